package config

const (
	defaultOutputDir        = "~/.local/share/legacypipe/output"
	defaultCacheDir         = "~/.cache/legacypipe"
	defaultLogDir           = "~/.local/share/legacypipe/logs"
	defaultSurveyDir        = "~/.local/share/legacypipe/survey"
	defaultBrickWidth       = 3600
	defaultBrickHeight      = 3600
	defaultPixScale         = 0.262
	defaultTargetStage      = "writecat"
	defaultCheckpointPeriod = 600
	defaultOnBlobError      = "abort"
	defaultNSigma           = 6.0
	defaultSaturationLevel  = 50000.0
	defaultSaturationDilate = 4
	defaultFitRadius        = 4
	defaultFitIterations    = 5
	defaultApertureRadius   = 3.0
	defaultLogFormat        = "auto"
	defaultLogLevel         = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			OutputDir: defaultOutputDir,
			CacheDir:  defaultCacheDir,
			LogDir:    defaultLogDir,
			SurveyDir: defaultSurveyDir,
		},
		Brick: Brick{
			Width:    defaultBrickWidth,
			Height:   defaultBrickHeight,
			PixScale: defaultPixScale,
		},
		Pipeline: Pipeline{
			Stages:      []string{defaultTargetStage},
			WriteCache:  true,
			ForcedPhot:  true,
			WriteBlobs:  true,
			EarlyCoadds: false,
		},
		Fitting: Fitting{
			Threads:          0,
			CheckpointPeriod: defaultCheckpointPeriod,
			OnBlobError:      defaultOnBlobError,
			FitRadius:        defaultFitRadius,
			FitIterations:    defaultFitIterations,
		},
		Detection: Detection{
			NSigma:           defaultNSigma,
			SaturationLevel:  defaultSaturationLevel,
			SaturationDilate: defaultSaturationDilate,
			ApertureRadius:   defaultApertureRadius,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
