package oidcproxy

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"go.step.sm/crypto/pemutil"
)

type KeyType string

const (
	KeyTypeRSA     KeyType = "RSA"
	KeyTypeECDSA   KeyType = "ECDSA"
	KeyTypeEd25519 KeyType = "Ed25519"

	KeyTypeDefault = KeyTypeRSA
)

// ParseKeyType 解析配置中的密钥类型，大小写不敏感，空串为默认类型
func ParseKeyType(s string) (KeyType, error) {
	switch strings.ToLower(s) {
	case "", "rsa":
		return KeyTypeRSA, nil
	case "ecdsa", "ec":
		return KeyTypeECDSA, nil
	case "ed25519", "okp":
		return KeyTypeEd25519, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedKey, s)
}

// GetSigningMethod 根据私钥类型返回对应的 JWT 签名方法
func GetSigningMethod(key crypto.PrivateKey) jwt.SigningMethod {
	switch pk := key.(type) {
	case *rsa.PrivateKey:
		return jwt.SigningMethodRS256
	case *ecdsa.PrivateKey:
		switch pk.Curve {
		case elliptic.P256():
			return jwt.SigningMethodES256
		case elliptic.P384():
			return jwt.SigningMethodES384
		case elliptic.P521():
			return jwt.SigningMethodES512
		}
	case ed25519.PrivateKey:
		return jwt.SigningMethodEdDSA
	}
	return nil
}

// NewKey 根据指定的类型生成一个新的私钥
func NewKey(keyType KeyType) (crypto.Signer, error) {
	var (
		key crypto.Signer
		err error
	)
	switch keyType {
	case KeyTypeRSA:
		key, err = rsa.GenerateKey(rand.Reader, 2048)
	case KeyTypeECDSA:
		key, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case KeyTypeEd25519:
		_, key, err = ed25519.GenerateKey(rand.Reader)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKey, keyType)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to generate %s key: %w", keyType, err)
	}
	return key, nil
}

// KeyFromPrivate 把私钥包装为 jwk.Key，设置 use=sig 和 alg。
// kid 为空时使用 RFC 7638 thumbprint。
func KeyFromPrivate(priv crypto.PrivateKey, kid string) (jwk.Key, error) {
	method := GetSigningMethod(priv)
	if method == nil {
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, priv)
	}
	key, err := jwk.FromRaw(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to convert private key: %w", err)
	}
	if kid == "" {
		if kid, err = Thumbprint(key); err != nil {
			return nil, err
		}
	}
	if err := key.Set(jwk.KeyIDKey, kid); err != nil {
		return nil, err
	}
	if err := key.Set(jwk.AlgorithmKey, method.Alg()); err != nil {
		return nil, err
	}
	if err := key.Set(jwk.KeyUsageKey, "sig"); err != nil {
		return nil, err
	}
	return key, nil
}

// LoadSigningKeys 加载签名密钥：.json / .jwks 按 JWKS 文件读取，其余按 PEM 私钥读取。
// 返回的第一个密钥用于签名。
func LoadSigningKeys(path string, password []byte) ([]jwk.Key, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jwks":
		set, err := jwk.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read jwks file %s: %w", path, err)
		}
		keys := make([]jwk.Key, 0, set.Len())
		for i := 0; i < set.Len(); i++ {
			if k, ok := set.Key(i); ok {
				keys = append(keys, k)
			}
		}
		if len(keys) == 0 {
			return nil, fmt.Errorf("%w: %s contains no keys", ErrNoSigningKey, path)
		}
		return keys, nil
	default:
		priv, err := LoadKey(path, password)
		if err != nil {
			return nil, err
		}
		key, err := KeyFromPrivate(priv, "")
		if err != nil {
			return nil, err
		}
		return []jwk.Key{key}, nil
	}
}

// LoadOrGenerateKey 尝试从指定路径加载私钥。
// 如果文件存在，则加载它；如果不存在，则生成一个新密钥并保存。
func LoadOrGenerateKey(path string, keyType KeyType, password []byte) (crypto.Signer, error) {
	if _, err := os.Stat(path); err == nil {
		return LoadKey(path, password)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat key file %s: %w", path, err)
	}

	key, err := NewKey(keyType)
	if err != nil {
		return nil, err
	}
	return key, SaveKey(path, key, password)
}

// LoadKey 从指定路径加载一个 PEM 编码的私钥。
// 它使用 pemutil 库来支持加密和未加密的密钥。
func LoadKey(path string, password []byte) (crypto.Signer, error) {
	var opts []pemutil.Options
	if len(password) > 0 {
		opts = append(opts, pemutil.WithPassword(password))
	}

	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load key file %s: %w", path, err)
	}

	privKey, err := pemutil.Parse(pemBytes, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key from %s: %w", path, err)
	}

	key, ok := privKey.(crypto.Signer)
	if !ok || GetSigningMethod(key) == nil {
		return nil, fmt.Errorf("%w: %s does not hold a signing key", ErrUnsupportedKey, path)
	}
	return key, nil
}

// SaveKey 将私钥以 PEM 格式保存到路径。
// 如果提供了密码，私钥将被加密。
func SaveKey(path string, key crypto.Signer, password []byte) error {
	var opts []pemutil.Options
	if len(password) > 0 {
		opts = append(opts, pemutil.WithPassword(password))
	}

	// pemutil.Serialize 会处理 PKCS#8 封送
	block, err := pemutil.Serialize(key, opts...)
	if err != nil {
		return fmt.Errorf("failed to serialize private key: %w", err)
	}

	data := pem.EncodeToMemory(block)
	dir := filepath.Dir(path)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	// 只有所有者可读写
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write key to %s: %w", path, err)
	}
	return nil
}
