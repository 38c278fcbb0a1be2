package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-openapi/swag"
	"github.com/go-viper/mapstructure/v2"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
	"github.com/treeverse/srcprep/pkg/archive"
	"github.com/treeverse/srcprep/pkg/assemble"
	"github.com/treeverse/srcprep/pkg/prepare"
)

const (
	EnvPrefix = "SRCPREP"

	maxCompressionLevel = 9
)

var (
	ErrBadConfiguration  = errors.New("bad configuration")
	ErrInvalidLevel      = fmt.Errorf("%w: archive.compression_level must be between 0 and %d", ErrBadConfiguration, maxCompressionLevel)
	ErrUnknownCompressor = fmt.Errorf("%w: unknown archive.compressor", ErrBadConfiguration)
)

type configuration struct {
	Logging struct {
		Format        string  `mapstructure:"format"`
		Level         string  `mapstructure:"level"`
		Output        Strings `mapstructure:"output"`
		FileMaxSizeMB int     `mapstructure:"file_max_size_mb"`
		FilesKeep     int     `mapstructure:"files_keep"`
	} `mapstructure:"logging"`

	Archive struct {
		Format            string  `mapstructure:"format"`
		Compressor        string  `mapstructure:"compressor"`
		CompressionLevel  int     `mapstructure:"compression_level"`
		CompressorOptions Strings `mapstructure:"compressor_options"`
		TempDir           string  `mapstructure:"temp_dir"`
	} `mapstructure:"archive"`

	Import struct {
		Filters        Strings `mapstructure:"filters"`
		FilterPristine bool    `mapstructure:"filter_pristine"`
		// Prefix is a prefix template, prepare.AutoPrefix, or empty to keep the upstream prefix.
		Prefix     string `mapstructure:"prefix"`
		ScratchDir string `mapstructure:"scratch_dir"`
	} `mapstructure:"import"`
}

type Config struct {
	values configuration
}

// NewConfig loads configuration from cfgFile (if not empty), SRCPREP_ environment variables and
// defaults, and sets up logging accordingly.
func NewConfig(cfgFile string) (*Config, error) {
	c := &Config{}

	// Inform viper of all expected fields.  Otherwise, it fails to deserialize from the
	// environment.
	for _, key := range structKeys(reflect.TypeOf(c.values)) {
		viper.SetDefault(key, nil)
	}
	SetDefaults()
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	err := viper.UnmarshalExact(&c.values, viper.DecodeHook(
		mapstructure.DecodeHookFuncValue(DecodeStrings)))
	if err != nil {
		return nil, err
	}
	if err := setupLogger(c.values.Logging.Format, c.values.Logging.Level, c.values.Logging.Output,
		c.values.Logging.FileMaxSizeMB, c.values.Logging.FilesKeep); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks values that decode cleanly but are not usable.
func (c *Config) Validate() error {
	if _, err := archive.ParseFormat(c.values.Archive.Format); err != nil {
		return fmt.Errorf("%w: archive.format: %w", ErrBadConfiguration, err)
	}
	if level := c.values.Archive.CompressionLevel; level < 0 || level > maxCompressionLevel {
		return fmt.Errorf("%w: got %d", ErrInvalidLevel, level)
	}
	if compressor := c.values.Archive.Compressor; compressor != "" {
		// "none" stores archives uncompressed
		compression, err := archive.ParseCompression(compressor)
		if err != nil || (compression != archive.CompressionNone && compression.Program() == "") {
			return fmt.Errorf("%w: %q", ErrUnknownCompressor, compressor)
		}
	}
	if prefix := c.values.Import.Prefix; prefix != "" && prefix != prepare.AutoPrefix {
		if _, err := prepare.ExpandPrefix(prefix, "name", "version"); err != nil {
			return fmt.Errorf("%w: import.prefix: %w", ErrBadConfiguration, err)
		}
	}
	return nil
}

// ArchiveSpec returns the assembly parameters for an archive with prefix.
func (c *Config) ArchiveSpec(prefix string) assemble.Spec {
	format, err := archive.ParseFormat(c.values.Archive.Format)
	if err != nil {
		format = archive.FormatTar
	}
	compressor := c.values.Archive.Compressor
	if compression, err := archive.ParseCompression(compressor); err == nil {
		compressor = compression.Program()
	}
	options := []string(c.values.Archive.CompressorOptions)
	if len(options) == 0 {
		options = archive.DefaultCompressorOptions(compressor)
	}
	return assemble.Spec{
		Format:            format,
		Compressor:        compressor,
		Level:             c.values.Archive.CompressionLevel,
		CompressorOptions: options,
		Prefix:            prefix,
	}
}

// AssemblerOptions returns the options of an assemble.Assembler.
func (c *Config) AssemblerOptions() ([]assemble.Option, error) {
	if c.values.Archive.TempDir == "" {
		return nil, nil
	}
	dir, err := homedir.Expand(c.values.Archive.TempDir)
	if err != nil {
		return nil, fmt.Errorf("expand %s: %w", c.values.Archive.TempDir, err)
	}
	return []assemble.Option{assemble.WithTempDir(dir)}, nil
}

// PrepareOptions returns the preparation parameters for importing version of package name,
// committing the pristine archive as pristineCommitName (empty for none).
func (c *Config) PrepareOptions(name, version, pristineCommitName string) (prepare.Options, error) {
	scratchDir, err := homedir.Expand(c.values.Import.ScratchDir)
	if err != nil {
		return prepare.Options{}, fmt.Errorf("expand %s: %w", c.values.Import.ScratchDir, err)
	}
	var prefix *string
	if c.values.Import.Prefix != "" {
		prefix = swag.String(c.values.Import.Prefix)
	}
	return prepare.Options{
		Name:               name,
		Version:            version,
		PristineCommitName: pristineCommitName,
		Filters:            c.values.Import.Filters,
		FilterPristine:     c.values.Import.FilterPristine,
		Prefix:             prefix,
		ScratchDir:         scratchDir,
	}, nil
}

func (c *Config) GetLoggingLevel() string {
	return c.values.Logging.Level
}
