package s3directory

import (
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
)

// DefaultBlockSize is the block granularity used for range reads and the
// block-presence map when Config.BlockSize is left at zero.
const DefaultBlockSize int64 = 1 << 20 // 1 MiB

// DefaultPrepopulateConcurrency bounds the fan-out used to warm the first and
// last block of every remote object at construction time.
const DefaultPrepopulateConcurrency = 32

// Config collects the construction parameters of an S3Directory: the remote
// bucket/prefix pair it is rooted at, the local cache directory backing the
// buffer and sparse-file tiers, and the knobs that tune block size, fan-out,
// and logging.
type Config struct {
	Bucket string
	Prefix string

	// LocalCachePath is where Buffered/Synced/Cached files are persisted.
	LocalCachePath string

	// BlockSize defaults to DefaultBlockSize when zero or negative.
	BlockSize int64

	// AWSConfig, when set, is used as-is instead of loading the default AWS
	// config chain. Region and the credential fields are ignored when
	// AWSConfig is set.
	AWSConfig *aws.Config
	Region    string

	// AccessKeyID and SecretAccessKey, when both set, override the default
	// credential chain with static credentials.
	AccessKeyID     string
	SecretAccessKey string

	// Endpoint points the client at an S3-compatible store (MinIO and the
	// like); path-style addressing is forced when set.
	Endpoint string

	// PrepopulateConcurrency bounds the parallel warm-up fetch at
	// construction. Defaults to DefaultPrepopulateConcurrency when zero.
	PrepopulateConcurrency int

	Logger *slog.Logger
}
