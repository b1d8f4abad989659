package config

import (
	"errors"
	"fmt"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateBrick(); err != nil {
		return err
	}
	if err := c.validateFitting(); err != nil {
		return err
	}
	if err := c.validateDetection(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validatePaths() error {
	if c.Paths.OutputDir == "" {
		return errors.New("paths.output_dir must be set")
	}
	if c.Paths.CacheDir == "" {
		return errors.New("paths.cache_dir must be set")
	}
	return nil
}

func (c *Config) validateBrick() error {
	if c.Brick.Width <= 0 || c.Brick.Height <= 0 {
		return fmt.Errorf("brick.width and brick.height must be positive (got %dx%d)", c.Brick.Width, c.Brick.Height)
	}
	if c.Brick.PixScale <= 0 {
		return errors.New("brick.pixscale must be positive")
	}
	return nil
}

func (c *Config) validateFitting() error {
	if c.Fitting.Threads < 0 {
		return errors.New("fitting.threads must be zero (all CPUs) or positive")
	}
	if c.Fitting.CheckpointPeriod <= 0 {
		return errors.New("fitting.checkpoint_period must be positive")
	}
	if c.Fitting.MaxBlobsize < 0 {
		return errors.New("fitting.max_blobsize must be zero (unlimited) or positive")
	}
	if c.Fitting.DeadlineSeconds < 0 {
		return errors.New("fitting.deadline_seconds must not be negative")
	}
	switch c.Fitting.OnBlobError {
	case "abort", "skip":
	default:
		return fmt.Errorf("fitting.on_blob_error: unsupported value %q (want abort or skip)", c.Fitting.OnBlobError)
	}
	if c.Fitting.FitRadius <= 0 {
		return errors.New("fitting.fit_radius must be positive")
	}
	if c.Fitting.FitIterations <= 0 {
		return errors.New("fitting.fit_iterations must be positive")
	}
	return nil
}

func (c *Config) validateDetection() error {
	if c.Detection.NSigma <= 0 {
		return errors.New("detection.nsigma must be positive")
	}
	if c.Detection.SaturationDilate < 0 {
		return errors.New("detection.saturation_dilate must not be negative")
	}
	if c.Detection.ApertureRadius <= 0 {
		return errors.New("detection.aperture_radius must be positive")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json", "auto":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}
