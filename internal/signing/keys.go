package signing

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultKeyBits is the RSA modulus size used when none is configured.
const DefaultKeyBits = 2048

// KeyPair is a freshly generated signing key.
type KeyPair struct {
	PEM []byte
	// PublicKey is the base64 DER SubjectPublicKeyInfo, the p= value of the
	// DNS TXT record.
	PublicKey string
}

// GenerateKeyPair creates an RSA key of the given size.
func GenerateKeyPair(bits int) (*KeyPair, error) {
	if bits <= 0 {
		bits = DefaultKeyBits
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}
	pub, err := encodePublicKey(&key.PublicKey)
	if err != nil {
		return nil, err
	}
	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	return &KeyPair{PEM: privPEM, PublicKey: pub}, nil
}

func encodePublicKey(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// PublicKeyFromPEM derives the base64 public key from a PKCS#1 or PKCS#8
// private key PEM.
func PublicKeyFromPEM(data []byte) (string, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return "", errors.New("no PEM block in key file")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return "", fmt.Errorf("parse pkcs1 key: %w", err)
		}
		return encodePublicKey(&key.PublicKey)
	case "PRIVATE KEY":
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return "", fmt.Errorf("parse pkcs8 key: %w", err)
		}
		key, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return "", errors.New("key is not RSA")
		}
		return encodePublicKey(&key.PublicKey)
	default:
		return "", fmt.Errorf("unsupported PEM block %q", block.Type)
	}
}

// KeyStore lays private keys out as <dir>/<domain>/<selector>.private.
type KeyStore struct {
	dir      string
	uid, gid int
}

// NewKeyStore returns a KeyStore rooted at dir. Files keep the owner of the
// calling process until WithOwner is set.
func NewKeyStore(dir string) *KeyStore { return &KeyStore{dir: dir, uid: -1, gid: -1} }

// WithOwner makes Write hand the domain directory and key file to uid:gid,
// typically the signer's service account. -1 leaves that id unchanged.
func (k *KeyStore) WithOwner(uid, gid int) *KeyStore {
	k.uid, k.gid = uid, gid
	return k
}

// Path returns where the key for (domainName, selector) lives.
func (k *KeyStore) Path(domainName, selector string) string {
	return filepath.Join(k.dir, domainName, selector+".private")
}

// DomainDir returns the directory holding a domain's keys.
func (k *KeyStore) DomainDir(domainName string) string {
	return filepath.Join(k.dir, domainName)
}

// Write stores a private key with mode 0600 in a 0700 directory and returns
// its path. An existing file is overwritten.
func (k *KeyStore) Write(domainName, selector string, pemBytes []byte) (string, error) {
	dir := k.DomainDir(domainName)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create key dir %s: %w", dir, err)
	}
	if err := k.chown(dir); err != nil {
		return "", err
	}
	path := k.Path(domainName, selector)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return "", fmt.Errorf("create key file: %w", err)
	}
	if _, err := f.Write(pemBytes); err != nil {
		f.Close()
		return "", fmt.Errorf("write key file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return "", fmt.Errorf("sync key file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close key file: %w", err)
	}
	if err := k.chown(path); err != nil {
		return "", err
	}
	return path, nil
}

func (k *KeyStore) chown(path string) error {
	if k.uid < 0 && k.gid < 0 {
		return nil
	}
	if err := os.Chown(path, k.uid, k.gid); err != nil {
		return fmt.Errorf("chown %s: %w", path, err)
	}
	return nil
}

// Read returns the PEM stored for (domainName, selector).
func (k *KeyStore) Read(domainName, selector string) ([]byte, error) {
	return os.ReadFile(k.Path(domainName, selector))
}

// Exists reports whether a key file is present.
func (k *KeyStore) Exists(domainName, selector string) bool {
	_, err := os.Stat(k.Path(domainName, selector))
	return err == nil
}

// Remove deletes one key file and drops the domain directory if it is now
// empty. A missing file is not an error.
func (k *KeyStore) Remove(domainName, selector string) error {
	if err := os.Remove(k.Path(domainName, selector)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove key file: %w", err)
	}
	dir := k.DomainDir(domainName)
	if entries, err := os.ReadDir(dir); err == nil && len(entries) == 0 {
		if err := os.Remove(dir); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove key dir: %w", err)
		}
	}
	return nil
}

// RemoveDomain deletes every key held for a domain.
func (k *KeyStore) RemoveDomain(domainName string) error {
	if err := os.RemoveAll(k.DomainDir(domainName)); err != nil {
		return fmt.Errorf("remove key dir: %w", err)
	}
	return nil
}

// Domains lists the domain directories present in the key store.
func (k *KeyStore) Domains() ([]string, error) {
	entries, err := os.ReadDir(k.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read key dir: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

func readKeyFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	return data, nil
}
