/*
Package credential guarantees a well-formed ed25519 SSH keypair exists at
a user-owned path with strict file modes, correcting and auditing any
drift it finds. A mutex on each Store ensures concurrent callers
observe identical state after the call instead of racing to regenerate.
*/
package credential

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/cuemby/fleetctl/pkg/audit"
)

const (
	privateMode = 0o600
	publicMode  = 0o644
	dirMode     = 0o700
)

// KeyPair is the result of EnsureKeyExists.
type KeyPair struct {
	PrivatePath      string
	PublicPath       string
	PublicKeyContent string
}

// Store ensures an ed25519 keypair exists at a user-owned path.
type Store struct {
	dir   string
	name  string
	audit *audit.Log
	mu    sync.Mutex
}

// NewStore returns a Store rooted at dir, using name as the key file stem
// (private key at dir/name, public key at dir/name.pub).
func NewStore(dir, name string, auditLog *audit.Log) *Store {
	return &Store{dir: dir, name: name, audit: auditLog}
}

// EnsureKeyExists creates a keypair if missing, corrects file/directory
// modes if wrong (auditing the correction first), and returns the result.
// Concurrent callers within one process observe identical state: the
// second caller never regenerates the key.
func (s *Store) EnsureKeyExists() (KeyPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureDir(); err != nil {
		return KeyPair{}, err
	}

	privPath := filepath.Join(s.dir, s.name)
	pubPath := privPath + ".pub"

	if _, err := os.Stat(privPath); os.IsNotExist(err) {
		if err := s.generate(privPath, pubPath); err != nil {
			return KeyPair{}, err
		}
	} else if err != nil {
		return KeyPair{}, fmt.Errorf("stat private key: %w", err)
	} else {
		if err := s.fixModes(privPath, pubPath); err != nil {
			return KeyPair{}, err
		}
	}

	pubContent, err := os.ReadFile(pubPath)
	if err != nil {
		return KeyPair{}, fmt.Errorf("read public key: %w", err)
	}

	return KeyPair{
		PrivatePath:      privPath,
		PublicPath:       pubPath,
		PublicKeyContent: string(pubContent),
	}, nil
}

// Rotate discards the current keypair and generates a fresh one, returning
// the new KeyPair. The caller is responsible for backing up the old key
// first if that is desired (see pkg/keyrotate).
func (s *Store) Rotate() (KeyPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureDir(); err != nil {
		return KeyPair{}, err
	}

	privPath := filepath.Join(s.dir, s.name)
	pubPath := privPath + ".pub"

	if err := s.generate(privPath, pubPath); err != nil {
		return KeyPair{}, err
	}

	pubContent, err := os.ReadFile(pubPath)
	if err != nil {
		return KeyPair{}, fmt.Errorf("read public key: %w", err)
	}

	return KeyPair{
		PrivatePath:      privPath,
		PublicPath:       pubPath,
		PublicKeyContent: string(pubContent),
	}, nil
}

func (s *Store) ensureDir() error {
	info, err := os.Stat(s.dir)
	if os.IsNotExist(err) {
		return os.MkdirAll(s.dir, dirMode)
	}
	if err != nil {
		return fmt.Errorf("stat key dir: %w", err)
	}
	if info.Mode().Perm() != dirMode {
		s.logAudit("fix_dir_mode", map[string]interface{}{
			"path": s.dir, "old_mode": info.Mode().Perm().String(), "new_mode": fmt.Sprintf("%o", dirMode),
		})
		return os.Chmod(s.dir, dirMode)
	}
	return nil
}

func (s *Store) fixModes(privPath, pubPath string) error {
	if info, err := os.Stat(privPath); err == nil && info.Mode().Perm() != privateMode {
		s.logAudit("fix_private_key_mode", map[string]interface{}{
			"path": privPath, "old_mode": info.Mode().Perm().String(), "new_mode": fmt.Sprintf("%o", privateMode),
		})
		if err := os.Chmod(privPath, privateMode); err != nil {
			return fmt.Errorf("fix private key mode: %w", err)
		}
	}
	if info, err := os.Stat(pubPath); err == nil && info.Mode().Perm() != publicMode {
		s.logAudit("fix_public_key_mode", map[string]interface{}{
			"path": pubPath, "old_mode": info.Mode().Perm().String(), "new_mode": fmt.Sprintf("%o", publicMode),
		})
		if err := os.Chmod(pubPath, publicMode); err != nil {
			return fmt.Errorf("fix public key mode: %w", err)
		}
	}
	return nil
}

func (s *Store) generate(privPath, pubPath string) error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate ed25519 key: %w", err)
	}

	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	block := &pem.Block{Type: "PRIVATE KEY", Bytes: der}

	if err := os.WriteFile(privPath, pem.EncodeToMemory(block), privateMode); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return fmt.Errorf("convert to ssh public key: %w", err)
	}
	authorized := ssh.MarshalAuthorizedKey(sshPub)

	if err := os.WriteFile(pubPath, authorized, publicMode); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}

	s.logAudit("generate_key", map[string]interface{}{"path": privPath})
	return nil
}

func (s *Store) logAudit(action string, detail map[string]interface{}) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Append(audit.Record{Action: action, Detail: detail})
}
