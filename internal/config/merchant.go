package config

import (
	"fmt"
	"os"
	"path/filepath"

	"pix-settlement-go/internal/models"

	"gopkg.in/yaml.v2"
)

// MerchantFile is the static merchant identity and plan table
type MerchantFile struct {
	Merchant models.MerchantConfig `yaml:"merchant"`
	Plans    []models.PlanConfig   `yaml:"plans"`
}

func LoadMerchantFile(merchantFile string) (*MerchantFile, error) {
	var merchantPath string
	if filepath.IsAbs(merchantFile) {
		merchantPath = merchantFile
	} else {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		merchantPath = filepath.Join(wd, merchantFile)
	}

	data, err := os.ReadFile(merchantPath)
	if err != nil {
		return nil, fmt.Errorf("unable to read %s: %w", merchantFile, err)
	}

	var file MerchantFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("unable to parse %s: %w", merchantFile, err)
	}

	for i, plan := range file.Plans {
		if plan.Name == "" {
			return nil, fmt.Errorf("plan at index %d missing name", i)
		}
		if plan.Tokens < 0 {
			return nil, fmt.Errorf("plan %s has negative tokens", plan.Name)
		}
	}

	return &file, nil
}

// PlanTokens returns the token allowance of the named plan.
func PlanTokens(plans []models.PlanConfig, name string) (int64, bool) {
	for _, plan := range plans {
		if plan.Name == name {
			return plan.Tokens, true
		}
	}
	return 0, false
}
