// Package adbkey loads and generates the RSA keys used to authenticate with
// adbd.
package adbkey

import (
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/mitchellh/go-homedir"
	"github.com/pgaskin/go-adbwire/adb/adbproto/aproto"
)

// Store provides private keys as PKCS#8 DER.
type Store interface {
	// Keys iterates over the available keys in order of preference. An error
	// for one key does not stop iteration.
	Keys() iter.Seq2[[]byte, error]

	// GenerateKey creates and stores a new key, returning it.
	GenerateKey() ([]byte, error)
}

// Files used by adb (adb_auth_host.cpp).
const (
	KeyFile       = "adbkey"
	PublicKeyFile = "adbkey.pub"
	VendorKeysEnv = "ADB_VENDOR_KEYS"
	VendorKeyExt  = ".adb_key"
)

// FileStore stores keys the way the adb host tool does.
type FileStore struct {
	// Dir is the directory containing adbkey and adbkey.pub. If empty, it is
	// ~/.android.
	Dir string

	// Name is the comment in adbkey.pub. If empty, it is user@hostname.
	Name string

	// VendorKeys are additional key files or directories containing *.adb_key
	// files. If nil, they are read from ADB_VENDOR_KEYS.
	VendorKeys []string
}

var _ Store = (*FileStore)(nil)

// DefaultDir returns the directory adb stores its keys in.
func DefaultDir() (string, error) {
	if v := os.Getenv("ANDROID_USER_HOME"); v != "" {
		return v, nil
	}
	home, err := homedir.Dir()
	if err != nil {
		return "", fmt.Errorf("find home directory: %w", err)
	}
	return filepath.Join(home, ".android"), nil
}

func (s *FileStore) dir() (string, error) {
	if s.Dir != "" {
		return homedir.Expand(s.Dir)
	}
	return DefaultDir()
}

func (s *FileStore) vendorKeys() []string {
	if s.VendorKeys != nil {
		return s.VendorKeys
	}
	return filepath.SplitList(os.Getenv(VendorKeysEnv))
}

// Keys yields adbkey (if it exists), then the vendor keys.
func (s *FileStore) Keys() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		dir, err := s.dir()
		if err != nil {
			yield(nil, err)
			return
		}
		files := []string{filepath.Join(dir, KeyFile)}
		for _, p := range s.vendorKeys() {
			if p == "" {
				continue
			}
			fi, err := os.Stat(p)
			if err != nil {
				if !yield(nil, fmt.Errorf("vendor key: %w", err)) {
					return
				}
				continue
			}
			if !fi.IsDir() {
				files = append(files, p)
				continue
			}
			ents, err := os.ReadDir(p)
			if err != nil {
				if !yield(nil, fmt.Errorf("vendor key: %w", err)) {
					return
				}
				continue
			}
			for _, ent := range ents {
				if !ent.IsDir() && strings.HasSuffix(ent.Name(), VendorKeyExt) {
					files = append(files, filepath.Join(p, ent.Name()))
				}
			}
		}
		for i, fn := range files {
			der, err := ReadFile(fn)
			if i == 0 && errors.Is(err, fs.ErrNotExist) {
				continue // no user key yet
			}
			if !yield(der, err) {
				return
			}
		}
	}
}

// GenerateKey generates a new adbkey and adbkey.pub, replacing any existing
// ones.
func (s *FileStore) GenerateKey() ([]byte, error) {
	dir, err := s.dir()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}
	der, err := generate()
	if err != nil {
		return nil, err
	}
	pub, err := aproto.AuthPublicKey(der, s.name())
	if err != nil {
		return nil, err
	}
	pub = append(pub[:len(pub)-1], '\n') // replace the nul
	if err := writeFile(filepath.Join(dir, KeyFile), pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), 0600); err != nil {
		return nil, err
	}
	if err := writeFile(filepath.Join(dir, PublicKeyFile), pub, 0644); err != nil {
		return nil, err
	}
	return der, nil
}

func (s *FileStore) name() string {
	if s.Name != "" {
		return s.Name
	}
	return DefaultName()
}

// DefaultName returns user@hostname, which is what adb puts in adbkey.pub.
func DefaultName() string {
	user := os.Getenv("USER")
	if user == "" {
		user = os.Getenv("USERNAME")
	}
	if user == "" {
		user = "unknown"
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return user + "@" + host
}

// ReadFile reads a PEM private key, returning it as PKCS#8 DER. PKCS#1 keys
// are converted.
func ReadFile(name string) ([]byte, error) {
	buf, err := os.ReadFile(name)
	if err != nil {
		return nil, err
	}
	der, err := Decode(buf)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return der, nil
}

// Decode decodes a PEM private key, returning it as PKCS#8 DER.
func Decode(buf []byte) ([]byte, error) {
	blk, _ := pem.Decode(buf)
	if blk == nil {
		return nil, fmt.Errorf("%w: no pem block", aproto.ErrInvalidKey)
	}
	switch blk.Type {
	case "PRIVATE KEY":
		if _, _, err := aproto.ParsePrivateKey(blk.Bytes); err != nil {
			return nil, err
		}
		return blk.Bytes, nil
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(blk.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", aproto.ErrInvalidKey, err)
		}
		return aproto.MarshalPrivateKey(key)
	default:
		return nil, fmt.Errorf("%w: unexpected pem block %q", aproto.ErrInvalidKey, blk.Type)
	}
}

// writeFile writes a file atomically.
func writeFile(name string, buf []byte, perm fs.FileMode) error {
	f, err := os.CreateTemp(filepath.Dir(name), "."+filepath.Base(name)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())
	if _, err := f.Write(buf); err != nil {
		f.Close()
		return err
	}
	if err := f.Chmod(perm); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), name)
}

func generate() ([]byte, error) {
	key, err := aproto.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return aproto.MarshalPrivateKey(key)
}

// MemoryStore is an in-memory [Store]. The zero value is an empty store.
type MemoryStore struct {
	mu   sync.Mutex
	keys [][]byte
}

var _ Store = (*MemoryStore)(nil)

// Add adds a PKCS#8 DER key after the existing ones.
func (s *MemoryStore) Add(der []byte) error {
	if _, _, err := aproto.ParsePrivateKey(der); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = append(s.keys, slices.Clone(der))
	return nil
}

func (s *MemoryStore) Keys() iter.Seq2[[]byte, error] {
	s.mu.Lock()
	keys := slices.Clone(s.keys)
	s.mu.Unlock()
	return func(yield func([]byte, error) bool) {
		for _, k := range keys {
			if !yield(k, nil) {
				return
			}
		}
	}
}

func (s *MemoryStore) GenerateKey() ([]byte, error) {
	der, err := generate()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = append(s.keys, der)
	return der, nil
}
