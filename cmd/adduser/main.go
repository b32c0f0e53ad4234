/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package main

import (
	"context"
	"flag"
	"fmt"
	"regexp"
	"strings"

	"pix-settlement-go/internal/common"
	"pix-settlement-go/internal/config"
	"pix-settlement-go/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[A-Za-z]{2,}$`)

func validateUserInput(name, email string) error {
	switch {
	case len(strings.TrimSpace(name)) < 2:
		return fmt.Errorf("name must have at least 2 characters, got %q", name)
	case !emailPattern.MatchString(email):
		return fmt.Errorf("invalid email address %q", email)
	}
	return nil
}

func validatePlan(plans []models.PlanConfig, plan, defaultPlan string) (int64, error) {
	if plan == defaultPlan {
		tokens, _ := config.PlanTokens(plans, plan)
		return tokens, nil
	}
	tokens, ok := config.PlanTokens(plans, plan)
	if !ok && len(plans) > 0 {
		return 0, fmt.Errorf("unknown plan %q", plan)
	}
	return tokens, nil
}

func main() {
	ctx := context.Background()

	_, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	idFlag := flag.String("id", "", "User id (default: random UUID)")
	nameFlag := flag.String("name", "", "Display name (required)")
	emailFlag := flag.String("email", "", "Contact email, used as the payer email on charges (required)")
	planFlag := flag.String("plan", "", "Subscription plan (default: WITHDRAWAL_DEFAULT_PLAN)")
	flag.Parse()

	if err := validateUserInput(*nameFlag, *emailFlag); err != nil {
		zap.L().Fatal("Invalid user details, --name and --email are required", zap.Error(err))
	}

	cfg, err := config.Load()
	if err != nil {
		zap.L().Fatal("Failed to load config", zap.Error(err))
	}

	plan := *planFlag
	if plan == "" {
		plan = cfg.Withdrawal.DefaultPlan
	}
	planTokens, err := validatePlan(cfg.Plans, plan, cfg.Withdrawal.DefaultPlan)
	if err != nil {
		zap.L().Fatal("Invalid plan", zap.Error(err))
	}

	userId := *idFlag
	if userId == "" {
		userId = uuid.New().String()
	}

	zap.L().Info("Starting user creation process",
		zap.String("user_id", userId),
		zap.String("name", *nameFlag),
		zap.String("email", *emailFlag),
		zap.String("plan", plan))

	dbService, err := common.InitializeDatabaseOnly(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize database", zap.Error(err))
	}
	defer dbService.Close()

	user, err := dbService.CreateUser(ctx, userId, *nameFlag, *emailFlag, plan)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			zap.L().Fatal("User already exists", zap.String("user_id", userId))
		}
		zap.L().Fatal("Failed to create user", zap.Error(err))
	}

	if planTokens > 0 {
		user, err = dbService.UpdateUser(ctx, user.Id, models.UserUpdate{TokensFromPlan: &planTokens})
		if err != nil {
			zap.L().Fatal("Failed to grant plan tokens", zap.Error(err))
		}
	}

	fmt.Println()
	common.PrintHeader("NEW USER", common.DefaultWidth)
	fmt.Printf("ID:      %s\n", user.Id)
	fmt.Printf("Name:    %s\n", user.Name)
	fmt.Printf("Email:   %s\n", user.Email)
	fmt.Printf("Plan:    %s\n", user.Plan)
	fmt.Printf("Tokens:  %d\n", user.TotalBalance())
	common.PrintSeparator("=", common.DefaultWidth)
	fmt.Println()

	zap.L().Info("User created successfully", zap.String("user_id", user.Id))
}
