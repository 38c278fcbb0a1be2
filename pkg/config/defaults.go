package config

import (
	"os"

	"github.com/spf13/viper"
	"github.com/treeverse/srcprep/pkg/archive"
	"github.com/treeverse/srcprep/pkg/prepare"
)

// Configuration keys
const (
	LoggingFormatKey        = "logging.format"
	LoggingLevelKey         = "logging.level"
	LoggingOutputKey        = "logging.output"
	LoggingFileMaxSizeMBKey = "logging.file_max_size_mb"
	LoggingFilesKeepKey     = "logging.files_keep"

	ArchiveFormatKey            = "archive.format"
	ArchiveCompressorKey        = "archive.compressor"
	ArchiveCompressionLevelKey  = "archive.compression_level"
	ArchiveCompressorOptionsKey = "archive.compressor_options"
	ArchiveTempDirKey           = "archive.temp_dir"

	ImportFiltersKey        = "import.filters"
	ImportFilterPristineKey = "import.filter_pristine"
	ImportPrefixKey         = "import.prefix"
	ImportScratchDirKey     = "import.scratch_dir"
)

const (
	DefaultLoggingFileMaxSizeMB = 100
	DefaultLoggingFilesKeep     = 100

	DefaultArchiveFormat           = archive.FormatTar
	DefaultArchiveCompressor       = archive.CompressionGzip
	DefaultArchiveCompressionLevel = 9
	DefaultImportPrefix            = prepare.AutoPrefix
)

func SetDefaults() {
	viper.SetDefault(LoggingFormatKey, DefaultLoggingFormat)
	viper.SetDefault(LoggingLevelKey, DefaultLoggingLevel)
	viper.SetDefault(LoggingOutputKey, DefaultLoggingOutput)
	viper.SetDefault(LoggingFileMaxSizeMBKey, DefaultLoggingFileMaxSizeMB)
	viper.SetDefault(LoggingFilesKeepKey, DefaultLoggingFilesKeep)

	viper.SetDefault(ArchiveFormatKey, string(DefaultArchiveFormat))
	viper.SetDefault(ArchiveCompressorKey, string(DefaultArchiveCompressor))
	viper.SetDefault(ArchiveCompressionLevelKey, DefaultArchiveCompressionLevel)
	viper.SetDefault(ArchiveTempDirKey, os.TempDir())

	viper.SetDefault(ImportFilterPristineKey, false)
	viper.SetDefault(ImportPrefixKey, DefaultImportPrefix)
	viper.SetDefault(ImportScratchDirKey, os.TempDir())
}
