package config

import (
	"fmt"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeBrick()
	c.normalizePipeline()
	c.normalizeFitting()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.OutputDir, err = expandPath(c.Paths.OutputDir); err != nil {
		return fmt.Errorf("paths.output_dir: %w", err)
	}
	if c.Paths.CacheDir, err = expandPath(c.Paths.CacheDir); err != nil {
		return fmt.Errorf("paths.cache_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if c.Paths.SurveyDir, err = expandPath(c.Paths.SurveyDir); err != nil {
		return fmt.Errorf("paths.survey_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.BricksFile) != "" {
		if c.Paths.BricksFile, err = expandPath(c.Paths.BricksFile); err != nil {
			return fmt.Errorf("paths.bricks_file: %w", err)
		}
	}
	if strings.TrimSpace(c.Fitting.Checkpoint) != "" {
		if c.Fitting.Checkpoint, err = expandPath(c.Fitting.Checkpoint); err != nil {
			return fmt.Errorf("fitting.checkpoint: %w", err)
		}
	}
	return nil
}

func (c *Config) normalizeBrick() {
	c.Brick.Bands = normalizeList(c.Brick.Bands)
}

func (c *Config) normalizePipeline() {
	c.Pipeline.Stages = normalizeList(c.Pipeline.Stages)
	if len(c.Pipeline.Stages) == 0 {
		c.Pipeline.Stages = []string{defaultTargetStage}
	}
	c.Pipeline.ForceStages = normalizeList(c.Pipeline.ForceStages)
	c.Pipeline.WriteStages = normalizeList(c.Pipeline.WriteStages)
	if len(c.Pipeline.Prereqs) > 0 {
		normalized := make(map[string]string, len(c.Pipeline.Prereqs))
		for stage, prereq := range c.Pipeline.Prereqs {
			normalized[strings.ToLower(strings.TrimSpace(stage))] = strings.ToLower(strings.TrimSpace(prereq))
		}
		c.Pipeline.Prereqs = normalized
	}
}

func (c *Config) normalizeFitting() {
	c.Fitting.OnBlobError = strings.ToLower(strings.TrimSpace(c.Fitting.OnBlobError))
	if c.Fitting.OnBlobError == "" {
		c.Fitting.OnBlobError = defaultOnBlobError
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}

// normalizeList lower-cases, trims, splits comma-joined entries and removes
// duplicates while keeping first-seen order.
func normalizeList(values []string) []string {
	if len(values) == 0 {
		return values
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			part = strings.ToLower(strings.TrimSpace(part))
			if part == "" {
				continue
			}
			if _, ok := seen[part]; ok {
				continue
			}
			seen[part] = struct{}{}
			out = append(out, part)
		}
	}
	return out
}
