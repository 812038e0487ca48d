package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/vnmchuo/ensemble-gateway/internal/provider"
)

const (
	ProviderHuggingFace = "huggingface"
	ProviderOpenAI      = "openai"
)

// ModelDef is one entry of the models file.
type ModelDef struct {
	Name     string `yaml:"name" validate:"required"`
	Provider string `yaml:"provider" validate:"required,oneof=huggingface openai"`
	ModelID  string `yaml:"model_id" validate:"required"`
	// Local serves a Hugging Face model on the local runtime instead of the Inference API.
	Local          bool                  `yaml:"local"`
	LocalModel     string                `yaml:"local_model"`
	CircuitBreaker bool                  `yaml:"circuit_breaker"`
	Cost           provider.CostSchedule `yaml:"cost"`
}

type modelsFile struct {
	Models []ModelDef `yaml:"models"`
}

var validate = validator.New()

func LoadModels(path string) ([]ModelDef, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read models file: %w", err)
	}

	var file modelsFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return nil, fmt.Errorf("failed to parse models file: %w", err)
	}
	return file.Models, nil
}

// ValidateModels checks every definition and rejects duplicate names.
func ValidateModels(models []ModelDef) error {
	if len(models) == 0 {
		return errors.New("at least one model must be configured")
	}

	seen := make(map[string]bool, len(models))
	for i, m := range models {
		if err := validate.Struct(m); err != nil {
			var verrs validator.ValidationErrors
			if errors.As(err, &verrs) {
				fields := make([]string, 0, len(verrs))
				for _, fe := range verrs {
					fields = append(fields, fmt.Sprintf("%s failed on '%s'", fe.Field(), fe.Tag()))
				}
				return fmt.Errorf("model %d (%s): %s", i, m.Name, strings.Join(fields, ", "))
			}
			return err
		}
		if m.Cost.InputCostPerThousand < 0 || m.Cost.OutputCostPerThousand < 0 {
			return fmt.Errorf("model %d (%s): costs must not be negative", i, m.Name)
		}
		if m.Local && m.Provider != ProviderHuggingFace {
			return fmt.Errorf("model %d (%s): local serving is only supported for %s", i, m.Name, ProviderHuggingFace)
		}
		if seen[m.Name] {
			return fmt.Errorf("duplicate model name %q", m.Name)
		}
		seen[m.Name] = true
	}
	return nil
}
