package tunnelcert

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

const (
	certFileName  = "certificate.pem"
	keyFileName   = "privatekey.pem"
	chainFileName = "chain.pem"
)

// CertStore persists the certificate bundle as three PEM files in a fixed
// directory. A write replaces the whole bundle or changes nothing: every
// artifact goes to a temp file first, renames only start once all temp
// writes succeeded, and a failed rename restores the already swapped
// artifacts from their backups, so a failure never leaves a cert/key
// mismatch.
type CertStore struct {
	dir    string
	logger *slog.Logger
}

// NewCertStore creates a store rooted at dir.
func NewCertStore(dir string, logger *slog.Logger) *CertStore {
	if dir == "" || logger == nil {
		panic("NewCertStore: received empty dir or nil logger")
	}
	return &CertStore{dir: dir, logger: logger.With("component", "certstore")}
}

// Write replaces the stored bundle with b.
func (s *CertStore) Write(b *CertificateBundle) error {
	if b == nil || len(b.CertificatePEM) == 0 || len(b.PrivateKeyPEM) == 0 {
		return fmt.Errorf("certstore: incomplete bundle: %w", ErrPersistence)
	}

	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("certstore: ensure directory: %s: %w", err, ErrPersistence)
	}

	artifacts := []struct {
		name string
		data []byte
		mode os.FileMode
	}{
		{keyFileName, b.PrivateKeyPEM, 0o600},
		{certFileName, b.CertificatePEM, 0o644},
		{chainFileName, b.ChainPEM, 0o644},
	}

	// Stage everything before the first rename.
	tmpPaths := make([]string, len(artifacts))
	for i, a := range artifacts {
		tmp := filepath.Join(s.dir, a.name+".tmp")
		if err := os.WriteFile(tmp, a.data, a.mode); err != nil {
			s.removeTemps(tmpPaths[:i], tmp)
			return fmt.Errorf("certstore: write %s: %s: %w", a.name, err, ErrPersistence)
		}
		tmpPaths[i] = tmp
	}

	names := make([]string, len(artifacts))
	for i, a := range artifacts {
		names[i] = a.name
	}
	if err := s.swapInto(names, tmpPaths); err != nil {
		return err
	}

	s.logger.Info("certificate bundle written", "dir", s.dir)
	return nil
}

// swapInto moves the staged temp files into place. Each previous artifact is
// parked as a .bak until every rename succeeded; a failure part way through
// puts the already swapped artifacts back, so the directory holds either the
// old bundle or the new one, never a mix.
func (s *CertStore) swapInto(names, tmpPaths []string) error {
	type swap struct {
		final, bak string
		hadOld     bool
	}
	swapped := make([]swap, 0, len(names))

	rollback := func() {
		for j := len(swapped) - 1; j >= 0; j-- {
			sw := swapped[j]
			if sw.hadOld {
				if err := os.Rename(sw.bak, sw.final); err != nil {
					s.logger.Error("failed to restore previous artifact", "path", sw.final, "error", err)
				}
				continue
			}
			if err := os.Remove(sw.final); err != nil && !os.IsNotExist(err) {
				s.logger.Error("failed to undo artifact swap", "path", sw.final, "error", err)
			}
		}
	}

	for i, name := range names {
		sw := swap{
			final: filepath.Join(s.dir, name),
			bak:   filepath.Join(s.dir, name+".bak"),
		}
		if err := os.Rename(sw.final, sw.bak); err == nil {
			sw.hadOld = true
		} else if !os.IsNotExist(err) {
			rollback()
			s.removeTemps(tmpPaths[i:], "")
			return fmt.Errorf("certstore: back up %s: %s: %w", name, err, ErrPersistence)
		}
		if err := os.Rename(tmpPaths[i], sw.final); err != nil {
			if sw.hadOld {
				if rerr := os.Rename(sw.bak, sw.final); rerr != nil {
					s.logger.Error("failed to restore previous artifact", "path", sw.final, "error", rerr)
				}
			}
			rollback()
			s.removeTemps(tmpPaths[i:], "")
			return fmt.Errorf("certstore: rename %s: %s: %w", name, err, ErrPersistence)
		}
		swapped = append(swapped, sw)
	}

	for _, sw := range swapped {
		if !sw.hadOld {
			continue
		}
		if err := os.Remove(sw.bak); err != nil {
			s.logger.Warn("failed to remove backup artifact", "path", sw.bak, "error", err)
		}
	}
	return nil
}

func (s *CertStore) removeTemps(paths []string, extra string) {
	if extra != "" {
		paths = append(paths, extra)
	}
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to remove temp artifact", "path", p, "error", err)
		}
	}
}

// Load reads the stored bundle. Returns ErrBundleNotFound when no bundle has
// been written yet.
func (s *CertStore) Load() (*CertificateBundle, error) {
	certPEM, err := os.ReadFile(filepath.Join(s.dir, certFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrBundleNotFound
		}
		return nil, fmt.Errorf("certstore: read certificate: %s: %w", err, ErrPersistence)
	}
	keyPEM, err := os.ReadFile(filepath.Join(s.dir, keyFileName))
	if err != nil {
		return nil, fmt.Errorf("certstore: read private key: %s: %w", err, ErrPersistence)
	}
	chainPEM, err := os.ReadFile(filepath.Join(s.dir, chainFileName))
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("certstore: read chain: %s: %w", err, ErrPersistence)
	}

	return &CertificateBundle{
		CertificatePEM: certPEM,
		PrivateKeyPEM:  keyPEM,
		ChainPEM:       chainPEM,
	}, nil
}

// BundleExpiry parses the leaf certificate and returns its NotAfter.
func BundleExpiry(b *CertificateBundle) (time.Time, error) {
	if b == nil || len(b.CertificatePEM) == 0 {
		return time.Time{}, errors.New("empty certificate data")
	}
	block, _ := pem.Decode(b.CertificatePEM)
	if block == nil {
		return time.Time{}, errors.New("no PEM block in certificate data")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse certificate: %w", err)
	}
	return cert.NotAfter, nil
}
