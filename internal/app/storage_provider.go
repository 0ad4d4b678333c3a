package app

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/yungbote/dialectic-backend/internal/clients/gcp"
	"github.com/yungbote/dialectic-backend/internal/clients/localstore"
	"github.com/yungbote/dialectic-backend/internal/pkg/logger"
	"github.com/yungbote/dialectic-backend/internal/services"
)

type storageMode string

const (
	storageModeGCS         storageMode = "gcs"
	storageModeGCSEmulator storageMode = "gcs_emulator"
	storageModeLocal       storageMode = "local"
)

var (
	newBucket     = func(ctx context.Context, log *logger.Logger, cfg gcp.BucketConfig) (services.ObjectStorage, error) { return gcp.NewBucket(ctx, log, cfg) }
	newLocalStore = func(log *logger.Logger, root string) (services.ObjectStorage, error) { return localstore.New(log, root) }
)

type StorageProviderBootstrapErrorCode string

const (
	StorageProviderBootstrapErrorInvalidMode         StorageProviderBootstrapErrorCode = "invalid_mode"
	StorageProviderBootstrapErrorMissingBucket       StorageProviderBootstrapErrorCode = "missing_bucket"
	StorageProviderBootstrapErrorMissingEmulatorHost StorageProviderBootstrapErrorCode = "missing_emulator_host"
	StorageProviderBootstrapErrorInvalidEmulatorHost StorageProviderBootstrapErrorCode = "invalid_emulator_host"
	StorageProviderBootstrapErrorConnectFailed       StorageProviderBootstrapErrorCode = "connect_failed"
)

type StorageProviderBootstrapError struct {
	Code         StorageProviderBootstrapErrorCode
	Mode         string
	EmulatorHost string
	Cause        error
}

func (e *StorageProviderBootstrapError) Error() string {
	if e == nil {
		return "object storage bootstrap failed"
	}
	return fmt.Sprintf(
		"object storage bootstrap failed (code=%s mode=%q emulator_host=%q): %v",
		e.Code,
		e.Mode,
		e.EmulatorHost,
		e.Cause,
	)
}

func (e *StorageProviderBootstrapError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// resolveObjectStorage builds the blob store OBJECT_STORAGE_MODE names.
func resolveObjectStorage(ctx context.Context, log *logger.Logger, cfg Config) (services.ObjectStorage, error) {
	mode := storageMode(strings.TrimSpace(cfg.ObjectStorageMode))
	if err := validateStorageConfig(mode, cfg); err != nil {
		log.Error("Object storage provider selection failed", "mode", mode, "error_code", storageProviderBootstrapErrorCode(err), "error", err)
		return nil, err
	}
	log.Info("Selecting object storage provider", "mode", mode, "bucket", cfg.StorageBucket, "emulator_host", cfg.StorageEmulatorHost)

	var (
		store services.ObjectStorage
		err   error
	)
	switch mode {
	case storageModeLocal:
		store, err = newLocalStore(log, cfg.LocalStorageDir)
	case storageModeGCSEmulator:
		store, err = newBucket(ctx, log, gcp.BucketConfig{Name: cfg.StorageBucket, EmulatorHost: cfg.StorageEmulatorHost})
	default:
		store, err = newBucket(ctx, log, gcp.BucketConfig{Name: cfg.StorageBucket, Credentials: cfg.StorageCredentials})
	}
	if err != nil {
		wrapped := &StorageProviderBootstrapError{
			Code:         StorageProviderBootstrapErrorConnectFailed,
			Mode:         string(mode),
			EmulatorHost: cfg.StorageEmulatorHost,
			Cause:        err,
		}
		log.Error("Object storage provider bootstrap failed", "mode", mode, "error_code", wrapped.Code, "error", err)
		return nil, wrapped
	}
	return store, nil
}

func validateStorageConfig(mode storageMode, cfg Config) error {
	fail := func(code StorageProviderBootstrapErrorCode, cause error) error {
		return &StorageProviderBootstrapError{Code: code, Mode: string(mode), EmulatorHost: cfg.StorageEmulatorHost, Cause: cause}
	}
	switch mode {
	case storageModeLocal:
		return nil
	case storageModeGCS, storageModeGCSEmulator:
	default:
		return fail(StorageProviderBootstrapErrorInvalidMode, fmt.Errorf("unsupported object storage mode %q", mode))
	}
	if strings.TrimSpace(cfg.StorageBucket) == "" {
		return fail(StorageProviderBootstrapErrorMissingBucket, errors.New("STORAGE_BUCKET is required"))
	}
	if mode != storageModeGCSEmulator {
		return nil
	}
	host := strings.TrimSpace(cfg.StorageEmulatorHost)
	if host == "" {
		return fail(StorageProviderBootstrapErrorMissingEmulatorHost, errors.New("STORAGE_EMULATOR_HOST is required"))
	}
	if !strings.Contains(host, "://") {
		host = "http://" + host
	}
	if u, err := url.Parse(host); err != nil || u.Host == "" {
		return fail(StorageProviderBootstrapErrorInvalidEmulatorHost, fmt.Errorf("invalid STORAGE_EMULATOR_HOST %q", cfg.StorageEmulatorHost))
	}
	return nil
}

func storageProviderBootstrapErrorCode(err error) StorageProviderBootstrapErrorCode {
	var bootstrapErr *StorageProviderBootstrapError
	if errors.As(err, &bootstrapErr) && bootstrapErr.Code != "" {
		return bootstrapErr.Code
	}
	return StorageProviderBootstrapErrorConnectFailed
}
