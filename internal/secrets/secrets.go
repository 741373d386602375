// Package secrets encrypts account credentials (LLM API keys and wallet
// signing keys) at rest with NaCl secretbox. The box key is the SHA-256 of the
// configured passphrase.
package secrets

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"

	xerrors "StableTool/internal/errors"
)

const nonceSize = 24

// ErrDecrypt 表示密文无法解密（格式错误或密钥不匹配）。
var ErrDecrypt = xerrors.New(xerrors.CodeConfiguration, "无法解密账户凭证")

// Box 负责凭证加解密。未配置密钥时以明文透传，仅用于本地开发。
type Box struct {
	key  *[32]byte
	rand io.Reader
}

// New 根据口令创建 Box，口令为空时返回透传实例。
func New(passphrase string) *Box {
	b := &Box{rand: rand.Reader}
	if strings.TrimSpace(passphrase) == "" {
		return b
	}
	sum := sha256.Sum256([]byte(passphrase))
	b.key = &sum
	return b
}

// Enabled reports whether values are actually encrypted.
func (b *Box) Enabled() bool {
	return b != nil && b.key != nil
}

// Seal 加密明文，输出 URL 安全的 base64 字符串。
func (b *Box) Seal(plaintext string) (string, error) {
	if !b.Enabled() {
		return plaintext, nil
	}
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(b.rand, nonce[:]); err != nil {
		return "", err
	}
	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, b.key)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open 解密 Seal 的输出。
func (b *Box) Open(ciphertext string) (string, error) {
	if !b.Enabled() {
		return ciphertext, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeConfiguration, err, "无法解密账户凭证")
	}
	if len(raw) < nonceSize+secretbox.Overhead {
		return "", ErrDecrypt
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	plain, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, b.key)
	if !ok {
		return "", ErrDecrypt
	}
	return string(plain), nil
}

// MustOpen is Open for values that were sealed by the same process, such as
// test fixtures.
func (b *Box) MustOpen(ciphertext string) string {
	plain, err := b.Open(ciphertext)
	if err != nil {
		panic(errors.Join(ErrDecrypt, err))
	}
	return plain
}
