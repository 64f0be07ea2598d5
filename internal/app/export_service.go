package app

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"

	cryptopkg "github.com/amanthanvi/lockbox/internal/crypto"
	"github.com/amanthanvi/lockbox/internal/keystore"
	"github.com/amanthanvi/lockbox/internal/storage"
)

const (
	exportFormatVersion = 1

	exportDBFileName       = "Accounts.db"
	exportManifestFileName = "manifest.json"
	exportKeysPrefix       = "keys/"

	// maxExportFileSize caps archive reads to 512 MiB.
	maxExportFileSize = 512 << 20

	// maxTarEntrySize caps individual tar entries during extraction.
	maxTarEntrySize = 256 << 20

	// Argon2 bounds for untrusted envelopes.
	maxExportArgon2Memory     = 1 << 20 // 1 GiB in KiB units
	maxExportArgon2Iterations = 20
)

var exportAAD = []byte("lockbox.export.v1")

type exportEnvelope struct {
	Version      int                `json:"version"`
	KDF          string             `json:"kdf"`
	Argon2Params exportArgon2Params `json:"argon2_params"`
	Salt         []byte             `json:"salt"`
	Nonce        []byte             `json:"nonce"`
	Ciphertext   []byte             `json:"ciphertext"`
}

type exportArgon2Params struct {
	Memory      uint32 `json:"memory"`
	Iterations  uint32 `json:"iterations"`
	Parallelism uint8  `json:"parallelism"`
	SaltLen     int    `json:"salt_len"`
	KeyLen      uint32 `json:"key_len"`
}

// ExportService writes and reads passphrase-sealed archives holding the
// database and every key file. The plain daily copy cannot restore a vault
// on its own because it lacks the keys.
type ExportService struct {
	store  *storage.Store
	logger *slog.Logger
	params cryptopkg.Argon2Params
	now    func() time.Time
}

func NewExportService(store *storage.Store, logger *slog.Logger) *ExportService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExportService{
		store:  store,
		logger: logger,
		params: cryptopkg.DefaultArgon2Params(),
		now:    time.Now,
	}
}

func (s *ExportService) Create(ctx context.Context, req ExportCreateRequest) (*ExportManifest, error) {
	if s == nil || s.store == nil {
		return nil, fmt.Errorf("create export: store is nil")
	}
	if strings.TrimSpace(req.OutputPath) == "" {
		return nil, fmt.Errorf("%w: output path is required", ErrValidation)
	}
	if len(req.Passphrase) == 0 {
		return nil, fmt.Errorf("%w: export passphrase is required", ErrValidation)
	}
	if _, err := os.Stat(req.OutputPath); err == nil && !req.Overwrite {
		return nil, fmt.Errorf("%w: %s exists; pass --overwrite", ErrValidation, req.OutputPath)
	}

	if err := s.store.Checkpoint(ctx); err != nil {
		return nil, fmt.Errorf("create export: %w", err)
	}
	dbBytes, err := os.ReadFile(s.store.Path())
	if err != nil {
		return nil, fmt.Errorf("create export: read vault db: %w", err)
	}
	vaultID, err := s.store.VaultID(ctx)
	if err != nil {
		return nil, fmt.Errorf("create export: %w", err)
	}

	entries := map[string][]byte{
		exportDBFileName: dbBytes,
	}
	defer func() {
		for name, data := range entries {
			if strings.HasPrefix(name, exportKeysPrefix) {
				memguard.WipeBytes(data)
			}
		}
	}()

	keyIDs, err := s.store.Keys().List()
	if err != nil {
		return nil, fmt.Errorf("create export: list keys: %w", err)
	}
	for _, keyID := range keyIDs {
		key, err := s.store.Keys().Load(keyID)
		if err != nil {
			return nil, fmt.Errorf("create export: load key %s: %w", keyID, err)
		}
		entries[exportKeysPrefix+keyID+keystore.FileExtension] = key
	}

	manifest := &ExportManifest{
		Version:   exportFormatVersion,
		ExportID:  uuid.NewString(),
		VaultID:   vaultID,
		CreatedAt: s.now().UTC().Format(time.RFC3339Nano),
		Files:     map[string]ExportManifestFile{},
	}
	for name, data := range entries {
		manifest.Files[name] = ExportManifestFile{
			SHA256:    sha256Hex(data),
			SizeBytes: int64(len(data)),
		}
	}

	manifestBytes, err := json.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("create export: marshal manifest: %w", err)
	}

	payload, err := createTarGzEntries(entries, manifestBytes)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(payload)

	sealed, err := s.sealPayload(payload, req.Passphrase)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(req.OutputPath), 0o700); err != nil {
		return nil, fmt.Errorf("create export: create output directory: %w", err)
	}
	if err := os.WriteFile(req.OutputPath, sealed, 0o600); err != nil {
		return nil, fmt.Errorf("create export: write output: %w", err)
	}

	s.logger.Info("export written", "path", req.OutputPath, "keys", len(keyIDs), "export_id", manifest.ExportID)
	return manifest, nil
}

// RestoreExport unpacks an archive written by ExportService.Create into
// req.TargetDir as Accounts.db plus keys/. The restored database is opened
// once to check that it carries the vault id recorded in the manifest.
func RestoreExport(ctx context.Context, req ExportRestoreRequest, logger *slog.Logger) (*ExportManifest, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(req.InputPath) == "" {
		return nil, fmt.Errorf("%w: input path is required", ErrValidation)
	}
	if strings.TrimSpace(req.TargetDir) == "" {
		return nil, fmt.Errorf("%w: target directory is required", ErrValidation)
	}
	if len(req.Passphrase) == 0 {
		return nil, fmt.Errorf("%w: export passphrase is required", ErrValidation)
	}

	targetDB := filepath.Join(req.TargetDir, exportDBFileName)
	targetKeys := filepath.Join(req.TargetDir, "keys")
	if !req.Overwrite {
		if err := ensureRestoreTargetEmpty(targetDB, targetKeys); err != nil {
			return nil, err
		}
	}

	payload, err := openExportPayload(req.InputPath, req.Passphrase)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(payload)

	entries, err := extractTarGzEntries(payload)
	if err != nil {
		return nil, err
	}
	defer func() {
		for _, data := range entries {
			memguard.WipeBytes(data)
		}
	}()

	manifest, err := verifyManifest(entries)
	if err != nil {
		return nil, err
	}

	keys, err := keystore.New(targetKeys, logger)
	if err != nil {
		return nil, fmt.Errorf("restore export: %w", err)
	}
	for name, data := range entries {
		if name == exportDBFileName || name == exportManifestFileName {
			continue
		}
		keyID := strings.TrimSuffix(strings.TrimPrefix(name, exportKeysPrefix), keystore.FileExtension)
		if err := keys.Save(keyID, data); err != nil {
			return nil, fmt.Errorf("restore export: write key %s: %w", keyID, err)
		}
	}

	// Stale WAL files from a previous vault would be replayed over the
	// restored database.
	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Remove(targetDB + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("restore export: remove %s: %w", targetDB+suffix, err)
		}
	}
	if err := os.WriteFile(targetDB, entries[exportDBFileName], 0o600); err != nil {
		return nil, fmt.Errorf("restore export: write vault db: %w", err)
	}

	if err := verifyRestoredVault(ctx, targetDB, keys, manifest.VaultID, logger); err != nil {
		return nil, err
	}

	logger.Info("export restored", "target", req.TargetDir, "export_id", manifest.ExportID)
	return manifest, nil
}

func ensureRestoreTargetEmpty(targetDB, targetKeys string) error {
	if _, err := os.Stat(targetDB); err == nil {
		return fmt.Errorf("%w: %s exists; pass --overwrite", ErrTargetNotEmpty, targetDB)
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("restore export: stat target: %w", err)
	}

	dirEntries, err := os.ReadDir(targetKeys)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("restore export: read target keys: %w", err)
	}
	if len(dirEntries) > 0 {
		return fmt.Errorf("%w: %s is not empty; pass --overwrite", ErrTargetNotEmpty, targetKeys)
	}
	return nil
}

func verifyManifest(entries map[string][]byte) (*ExportManifest, error) {
	manifestRaw, ok := entries[exportManifestFileName]
	if !ok {
		return nil, fmt.Errorf("restore export: manifest missing")
	}
	var manifest ExportManifest
	if err := json.Unmarshal(manifestRaw, &manifest); err != nil {
		return nil, fmt.Errorf("restore export: decode manifest: %w", err)
	}
	if manifest.Version != exportFormatVersion {
		return nil, fmt.Errorf("restore export: unsupported export version %d", manifest.Version)
	}
	if _, ok := manifest.Files[exportDBFileName]; !ok {
		return nil, fmt.Errorf("restore export: vault db missing from manifest")
	}

	for name, meta := range manifest.Files {
		if name != exportDBFileName && !isKeyEntry(name) {
			return nil, fmt.Errorf("restore export: unexpected manifest entry %q", name)
		}
		data, ok := entries[name]
		if !ok {
			return nil, fmt.Errorf("restore export: missing file %q from archive", name)
		}
		if got := sha256Hex(data); !strings.EqualFold(got, meta.SHA256) {
			return nil, fmt.Errorf("restore export: checksum mismatch for %q", name)
		}
	}
	for name := range entries {
		if name == exportManifestFileName {
			continue
		}
		if _, ok := manifest.Files[name]; !ok {
			return nil, fmt.Errorf("restore export: archive entry %q not in manifest", name)
		}
	}
	return &manifest, nil
}

func isKeyEntry(name string) bool {
	if !strings.HasPrefix(name, exportKeysPrefix) || !strings.HasSuffix(name, keystore.FileExtension) {
		return false
	}
	keyID := strings.TrimSuffix(strings.TrimPrefix(name, exportKeysPrefix), keystore.FileExtension)
	return keystore.ValidKeyID(keyID)
}

func verifyRestoredVault(ctx context.Context, dbPath string, keys *keystore.Store, wantVaultID string, logger *slog.Logger) error {
	store, err := storage.Open(dbPath, keys, storage.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("restore export: open restored vault: %w", err)
	}
	defer store.Close()

	got, err := store.VaultID(ctx)
	if err != nil {
		return fmt.Errorf("restore export: %w", err)
	}
	if got != wantVaultID {
		return fmt.Errorf("restore export: vault id mismatch: manifest %s, database %s", wantVaultID, got)
	}
	return nil
}

func (s *ExportService) sealPayload(payload, passphrase []byte) ([]byte, error) {
	params := s.params
	salt, err := params.NewSalt()
	if err != nil {
		return nil, fmt.Errorf("create export: %w", err)
	}
	key, err := cryptopkg.DeriveKeyFromPassphrase(passphrase, salt, params)
	if err != nil {
		return nil, fmt.Errorf("create export: derive export key: %w", err)
	}
	defer memguard.WipeBytes(key)

	nonce, err := cryptopkg.NewXNonce()
	if err != nil {
		return nil, fmt.Errorf("create export: %w", err)
	}
	ciphertext, err := cryptopkg.SealXChaCha20Poly1305(key, nonce, payload, exportAAD)
	if err != nil {
		return nil, fmt.Errorf("create export: encrypt payload: %w", err)
	}

	envelope := exportEnvelope{
		Version: exportFormatVersion,
		KDF:     "argon2id",
		Argon2Params: exportArgon2Params{
			Memory:      params.Memory,
			Iterations:  params.Iterations,
			Parallelism: params.Parallelism,
			SaltLen:     params.SaltLen,
			KeyLen:      params.KeyLen,
		},
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: ciphertext,
	}

	output, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("create export: encode envelope: %w", err)
	}
	return output, nil
}

func openExportPayload(path string, passphrase []byte) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("read export: %w", err)
	}
	if info.Size() > maxExportFileSize {
		return nil, fmt.Errorf("read export: file exceeds %d MiB limit", maxExportFileSize>>20)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read export: %w", err)
	}

	var envelope exportEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("read export: decode envelope: %w", err)
	}
	if envelope.Version != exportFormatVersion {
		return nil, fmt.Errorf("read export: unsupported export version %d", envelope.Version)
	}
	if envelope.KDF != "argon2id" {
		return nil, fmt.Errorf("read export: unsupported kdf %q", envelope.KDF)
	}

	params, err := clampExportArgon2Params(envelope.Argon2Params)
	if err != nil {
		return nil, fmt.Errorf("read export: %w", err)
	}

	key, err := cryptopkg.DeriveKeyFromPassphrase(passphrase, envelope.Salt, params)
	if err != nil {
		return nil, fmt.Errorf("read export: derive key from passphrase: %w", err)
	}
	defer memguard.WipeBytes(key)

	plaintext, err := cryptopkg.OpenXChaCha20Poly1305(key, envelope.Nonce, envelope.Ciphertext, exportAAD)
	if err != nil {
		return nil, fmt.Errorf("read export: passphrase authentication failed: %w", err)
	}
	return plaintext, nil
}

// clampExportArgon2Params rejects parameters from untrusted envelopes that
// would make key derivation unreasonably expensive.
func clampExportArgon2Params(ep exportArgon2Params) (cryptopkg.Argon2Params, error) {
	if ep.Memory > maxExportArgon2Memory {
		return cryptopkg.Argon2Params{}, fmt.Errorf("argon2 memory %d KiB exceeds safe maximum %d KiB", ep.Memory, maxExportArgon2Memory)
	}
	if ep.Iterations > maxExportArgon2Iterations {
		return cryptopkg.Argon2Params{}, fmt.Errorf("argon2 iterations %d exceeds safe maximum %d", ep.Iterations, maxExportArgon2Iterations)
	}

	params := cryptopkg.Argon2Params{
		Memory:      max(ep.Memory, cryptopkg.MinArgon2MemoryKiB),
		Iterations:  max(ep.Iterations, 1),
		Parallelism: min(max(ep.Parallelism, 1), 16),
		SaltLen:     ep.SaltLen,
		KeyLen:      cryptopkg.KeySize,
	}
	if err := params.Validate(); err != nil {
		return cryptopkg.Argon2Params{}, err
	}
	return params, nil
}

func createTarGzEntries(entries map[string][]byte, manifest []byte) ([]byte, error) {
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	var out bytes.Buffer
	gz := gzip.NewWriter(&out)
	tw := tar.NewWriter(gz)

	write := func(name string, data []byte) error {
		header := &tar.Header{
			Name:    name,
			Mode:    0o600,
			Size:    int64(len(data)),
			ModTime: time.Unix(0, 0).UTC(),
		}
		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("create tar.gz payload: write header %q: %w", name, err)
		}
		if _, err := tw.Write(data); err != nil {
			return fmt.Errorf("create tar.gz payload: write file %q: %w", name, err)
		}
		return nil
	}

	if err := write(exportManifestFileName, manifest); err != nil {
		_ = tw.Close()
		_ = gz.Close()
		return nil, err
	}
	for _, name := range names {
		if err := write(name, entries[name]); err != nil {
			_ = tw.Close()
			_ = gz.Close()
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		_ = gz.Close()
		return nil, fmt.Errorf("create tar.gz payload: close tar writer: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("create tar.gz payload: close gzip writer: %w", err)
	}
	return out.Bytes(), nil
}

func extractTarGzEntries(payload []byte) (map[string][]byte, error) {
	gzReader, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("extract tar.gz entries: gzip reader: %w", err)
	}
	defer gzReader.Close()

	tr := tar.NewReader(gzReader)
	entries := map[string][]byte{}
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("extract tar.gz entries: read header: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		if header.Size > maxTarEntrySize {
			return nil, fmt.Errorf("extract tar.gz entries: %q exceeds %d MiB entry limit", header.Name, maxTarEntrySize>>20)
		}
		if _, dup := entries[header.Name]; dup {
			return nil, fmt.Errorf("extract tar.gz entries: duplicate entry %q", header.Name)
		}
		data, err := io.ReadAll(io.LimitReader(tr, maxTarEntrySize+1))
		if err != nil {
			return nil, fmt.Errorf("extract tar.gz entries: read %q: %w", header.Name, err)
		}
		if int64(len(data)) > maxTarEntrySize {
			return nil, fmt.Errorf("extract tar.gz entries: %q exceeded size limit during read", header.Name)
		}
		entries[header.Name] = data
	}
	return entries, nil
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
