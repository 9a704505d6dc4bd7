// Copyright (C) 2025 SamsaraWorks (dev@samsaraworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/SamsaraWorks/RebirthBackend/services/story/config"
)

// yamlOverrides mirrors the non-secret configuration keys. Pointer
// fields distinguish "absent" from a deliberate zero. Secrets stay in
// the environment; a config file on disk must never hold API keys.
type yamlOverrides struct {
	Host         *string `yaml:"host"`
	Port         *int    `yaml:"port"`
	GinMode      *string `yaml:"gin_mode"`
	AssetsDir    *string `yaml:"assets_dir"`
	OTelEndpoint *string `yaml:"otel_endpoint"`

	DBDriver *string `yaml:"db_driver"`
	DBDSN    *string `yaml:"db_dsn"`

	AuthDisabled *bool `yaml:"auth_disabled"`

	LLM struct {
		Backend           *string  `yaml:"backend"`
		TimeoutSeconds    *int     `yaml:"timeout_seconds"`
		MaxRetries        *int     `yaml:"max_retries"`
		MaxTokens         *int     `yaml:"max_tokens"`
		Temperature       *float32 `yaml:"temperature"`
		RequestsPerSecond *float64 `yaml:"requests_per_second"`
	} `yaml:"llm"`

	Speculation struct {
		Enabled       *bool `yaml:"enabled"`
		MaxDepth      *int  `yaml:"max_depth"`
		ChoiceWorkers *int  `yaml:"choice_workers"`
		LevelCap      *int  `yaml:"level_cap"`
		MaxPerUser    *int  `yaml:"max_per_user"`
	} `yaml:"speculation"`

	Chapter struct {
		MinNodes      *int     `yaml:"min_nodes"`
		MaxNodes      *int     `yaml:"max_nodes"`
		PassThreshold *float64 `yaml:"pass_threshold"`
		FailThreshold *float64 `yaml:"fail_threshold"`
	} `yaml:"chapter"`
}

// applyYAML overlays values from a YAML file onto cfg. Only keys present
// in the file are touched.
func applyYAML(cfg config.Config, path string) (config.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	var o yamlOverrides
	if err := yaml.Unmarshal(data, &o); err != nil {
		return cfg, fmt.Errorf("invalid YAML: %w", err)
	}

	setString(&cfg.Host, o.Host)
	setInt(&cfg.Port, o.Port)
	setString(&cfg.GinMode, o.GinMode)
	setString(&cfg.AssetsDir, o.AssetsDir)
	setString(&cfg.OTelEndpoint, o.OTelEndpoint)

	setString(&cfg.DBDriver, o.DBDriver)
	setString(&cfg.DBDSN, o.DBDSN)

	setBool(&cfg.AuthDisabled, o.AuthDisabled)

	setString(&cfg.LLMBackend, o.LLM.Backend)
	setInt(&cfg.LLMTimeoutSeconds, o.LLM.TimeoutSeconds)
	setInt(&cfg.LLMMaxRetries, o.LLM.MaxRetries)
	setInt(&cfg.LLMMaxTokens, o.LLM.MaxTokens)
	if o.LLM.Temperature != nil {
		cfg.LLMTemperature = *o.LLM.Temperature
	}
	if o.LLM.RequestsPerSecond != nil {
		cfg.LLMRequestsPerSecond = *o.LLM.RequestsPerSecond
	}

	setBool(&cfg.SpeculationEnabled, o.Speculation.Enabled)
	setInt(&cfg.SpeculationMaxDepth, o.Speculation.MaxDepth)
	setInt(&cfg.SpeculationChoiceWorkers, o.Speculation.ChoiceWorkers)
	setInt(&cfg.SpeculationLevelCap, o.Speculation.LevelCap)
	setInt(&cfg.SpeculationMaxPerUser, o.Speculation.MaxPerUser)

	setInt(&cfg.ChapterMinNodes, o.Chapter.MinNodes)
	setInt(&cfg.ChapterMaxNodes, o.Chapter.MaxNodes)
	if o.Chapter.PassThreshold != nil {
		cfg.ChapterPassThreshold = *o.Chapter.PassThreshold
	}
	if o.Chapter.FailThreshold != nil {
		cfg.ChapterFailThreshold = *o.Chapter.FailThreshold
	}

	return cfg, nil
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func setBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}
