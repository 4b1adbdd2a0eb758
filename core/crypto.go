package core

// Cryptor implements the chunked AEAD stream format ("SCRAT001") used to
// seal every archive segment written by the backup engine. It replaces
// the non-authenticated CTR-mode ciphers the original prototype used
// with real AEAD constructions, keeping the dual-algorithm-selector
// shape and the passphrase-based key derivation from that prototype.

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"

	"github.com/scrat-backup/scrat/errs"
)

// Algorithm selects the AEAD cipher used for a backup's encrypted
// archives. Both options satisfy cipher.AEAD with a 12-byte nonce and a
// 16-byte tag, which lets the stream format stay identical across them.
type Algorithm uint8

const (
	AlgoAES256GCM        Algorithm = 1
	AlgoChaCha20Poly1305 Algorithm = 2
)

func (a Algorithm) String() string {
	switch a {
	case AlgoAES256GCM:
		return "aes-256-gcm"
	case AlgoChaCha20Poly1305:
		return "chacha20-poly1305"
	default:
		return fmt.Sprintf("algo(%d)", uint8(a))
	}
}

const (
	chunkedMagic     = "SCRAT001"
	legacySaltSize   = 32
	saltSize         = 32
	nonceSize        = 12
	tagSize          = 16
	keySize          = 32
	defaultChunkSize = 64 * 1024 * 1024
	verifierPlain    = "scrat-passphrase-verifier-v1"
	minKDFIterations = 100_000
)

// KDFIterations is the PBKDF2 iteration count used for every newly
// created backup. Exported so operators can see/tune it without reading
// the source; never goes below minKDFIterations.
var KDFIterations = 200_000

// DeriveKey derives a 32-byte AEAD key from a passphrase and a per-backup
// salt using PBKDF2-HMAC-SHA256, at or above the spec's iteration floor.
func DeriveKey(passphrase string, salt []byte, iterations int) []byte {
	if iterations < minKDFIterations {
		iterations = minKDFIterations
	}
	return pbkdf2.Key([]byte(passphrase), salt, iterations, keySize, sha256.New)
}

// NewSalt returns a fresh random 32-byte salt for a new backup.
func NewSalt() ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

func newAEAD(algo Algorithm, key []byte) (cipher.AEAD, error) {
	switch algo {
	case AlgoAES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	case AlgoChaCha20Poly1305:
		return chacha20poly1305.New(key)
	default:
		return nil, fmt.Errorf("unknown algorithm %d", uint8(algo))
	}
}

// DeriveVerifier seals a known plaintext under key and returns a hex
// string stored alongside a Backup row, so a later passphrase attempt can
// be checked cheaply without decrypting any archive data.
func DeriveVerifier(algo Algorithm, key []byte) (string, error) {
	aead, err := newAEAD(algo, key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	sealed := aead.Seal(nil, nonce, []byte(verifierPlain), nil)
	return hex.EncodeToString(sealed), nil
}

// CheckVerifier reports whether key opens the stored verifier.
func CheckVerifier(algo Algorithm, key []byte, verifierHex string) (bool, error) {
	sealed, err := hex.DecodeString(verifierHex)
	if err != nil {
		return false, fmt.Errorf("decode verifier: %w", err)
	}
	aead, err := newAEAD(algo, key)
	if err != nil {
		return false, err
	}
	nonce := make([]byte, aead.NonceSize())
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return false, nil
	}
	return subtle.ConstantTimeCompare(plain, []byte(verifierPlain)) == 1, nil
}

// StreamWriter seals a plaintext byte stream into the chunked AEAD
// format: an 8-byte magic, a 32-byte salt, a little-endian u32 chunk
// size, then a sequence of [nonce|ciphertext_len u32 LE|ciphertext|tag]
// records, closed by a zero-length trailer record sealed with AAD "end"
// so truncation can't be mistaken for a clean close.
type StreamWriter struct {
	w         io.Writer
	aead      cipher.AEAD
	chunkSize int
	buf       []byte
	closed    bool
}

// NewStreamWriter writes the format header immediately and returns a
// writer that chunks, seals and flushes plaintext as it arrives.
func NewStreamWriter(w io.Writer, algo Algorithm, key, salt []byte, chunkSize int) (*StreamWriter, error) {
	if len(salt) != saltSize {
		return nil, fmt.Errorf("salt must be %d bytes", saltSize)
	}
	aead, err := newAEAD(algo, key)
	if err != nil {
		return nil, err
	}
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	header := make([]byte, 0, len(chunkedMagic)+saltSize+4)
	header = append(header, []byte(chunkedMagic)...)
	header = append(header, salt...)
	var sizeBuf [4]byte
	binary.LittleEndian.PutUint32(sizeBuf[:], uint32(chunkSize))
	header = append(header, sizeBuf[:]...)
	if _, err := w.Write(header); err != nil {
		return nil, fmt.Errorf("write stream header: %w", err)
	}
	return &StreamWriter{w: w, aead: aead, chunkSize: chunkSize, buf: make([]byte, 0, chunkSize)}, nil
}

func (sw *StreamWriter) Write(p []byte) (int, error) {
	if sw.closed {
		return 0, fmt.Errorf("write to closed stream")
	}
	n := len(p)
	sw.buf = append(sw.buf, p...)
	for len(sw.buf) >= sw.chunkSize {
		if err := sw.sealAndWrite(sw.buf[:sw.chunkSize], nil); err != nil {
			return 0, err
		}
		rest := len(sw.buf) - sw.chunkSize
		copy(sw.buf, sw.buf[sw.chunkSize:])
		sw.buf = sw.buf[:rest]
	}
	return n, nil
}

func (sw *StreamWriter) sealAndWrite(plain, aad []byte) error {
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	sealed := sw.aead.Seal(nil, nonce, plain, aad)
	ct := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]
	if _, err := sw.w.Write(nonce); err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(ct)))
	if _, err := sw.w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := sw.w.Write(ct); err != nil {
		return err
	}
	if _, err := sw.w.Write(tag); err != nil {
		return err
	}
	return nil
}

// Close flushes any partial final chunk and writes the trailer record.
func (sw *StreamWriter) Close() error {
	if sw.closed {
		return nil
	}
	sw.closed = true
	if len(sw.buf) > 0 {
		if err := sw.sealAndWrite(sw.buf, nil); err != nil {
			return err
		}
		sw.buf = nil
	}
	if err := sw.sealAndWrite(nil, []byte("end")); err != nil {
		return err
	}
	if c, ok := sw.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// StreamReader opens a chunked AEAD stream written by StreamWriter, or a
// legacy single-shot envelope for backward compatibility on read paths
// only. The chunked format is self-identifying via its magic; the legacy
// envelope carries no magic at all ([salt|iv|ciphertext|tag]), so anything
// that doesn't match the chunked magic is assumed to be one.
type StreamReader struct {
	r         io.Reader
	aead      cipher.AEAD
	chunkSize int
	pending   []byte
	eof       bool
	legacy    *legacyState
}

type legacyState struct {
	consumed bool
}

// NewStreamReader peeks the chunked magic. A match consumes it and reads
// the chunked header; anything else is a legacy single-shot envelope, and
// the peeked bytes are replayed as its opening bytes since that format has
// no header of its own to re-synchronize on.
func NewStreamReader(r io.Reader, algo Algorithm, keyFn func(salt []byte) ([]byte, error)) (*StreamReader, error) {
	head := make([]byte, 8)
	n, err := io.ReadFull(r, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, fmt.Errorf("read stream header: %w", err)
	}

	if n == len(head) && string(head) == chunkedMagic {
		salt := make([]byte, saltSize)
		if _, err := io.ReadFull(r, salt); err != nil {
			return nil, fmt.Errorf("read salt: %w", err)
		}
		key, err := keyFn(salt)
		if err != nil {
			return nil, &errs.PassphraseError{Err: err}
		}
		aead, err := newAEAD(algo, key)
		if err != nil {
			return nil, err
		}
		var sizeBuf [4]byte
		if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
			return nil, fmt.Errorf("read chunk size: %w", err)
		}
		chunkSize := int(binary.LittleEndian.Uint32(sizeBuf[:]))
		return &StreamReader{r: r, aead: aead, chunkSize: chunkSize}, nil
	}

	legacy := io.MultiReader(bytes.NewReader(head[:n]), r)
	salt := make([]byte, legacySaltSize)
	if _, err := io.ReadFull(legacy, salt); err != nil {
		return nil, fmt.Errorf("read legacy salt: %w", err)
	}
	key, err := keyFn(salt)
	if err != nil {
		return nil, &errs.PassphraseError{Err: err}
	}
	aead, err := newAEAD(algo, key)
	if err != nil {
		return nil, err
	}
	return &StreamReader{r: legacy, aead: aead, legacy: &legacyState{}}, nil
}

func (sr *StreamReader) Read(p []byte) (int, error) {
	for len(sr.pending) == 0 {
		if sr.eof {
			return 0, io.EOF
		}
		if sr.legacy != nil {
			if err := sr.readLegacyBody(); err != nil {
				return 0, err
			}
			continue
		}
		if err := sr.readChunk(); err != nil {
			return 0, err
		}
	}
	n := copy(p, sr.pending)
	sr.pending = sr.pending[n:]
	return n, nil
}

func (sr *StreamReader) readChunk() error {
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(sr.r, nonce); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return fmt.Errorf("stream truncated before trailer: %w", io.ErrUnexpectedEOF)
		}
		return err
	}
	var lenBuf [4]byte
	if _, err := io.ReadFull(sr.r, lenBuf[:]); err != nil {
		return fmt.Errorf("read chunk length: %w", err)
	}
	ctLen := binary.LittleEndian.Uint32(lenBuf[:])
	sealed := make([]byte, int(ctLen)+tagSize)
	if _, err := io.ReadFull(sr.r, sealed); err != nil {
		return fmt.Errorf("read chunk body: %w", err)
	}
	if ctLen == 0 {
		if _, err := sr.aead.Open(nil, nonce, sealed, []byte("end")); err != nil {
			return &errs.IntegrityError{Err: fmt.Errorf("trailer authentication failed: %w", err)}
		}
		sr.eof = true
		return nil
	}
	plain, err := sr.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return &errs.IntegrityError{Err: fmt.Errorf("chunk authentication failed: %w", err)}
	}
	sr.pending = plain
	return nil
}

func (sr *StreamReader) readLegacyBody() error {
	if sr.legacy.consumed {
		sr.eof = true
		return nil
	}
	sr.legacy.consumed = true
	rest, err := io.ReadAll(sr.r)
	if err != nil {
		return fmt.Errorf("read legacy body: %w", err)
	}
	if len(rest) < nonceSize {
		return fmt.Errorf("legacy envelope too short")
	}
	nonce := rest[:nonceSize]
	sealed := rest[nonceSize:]
	plain, err := sr.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return &errs.IntegrityError{Err: fmt.Errorf("legacy envelope authentication failed: %w", err)}
	}
	sr.pending = plain
	return nil
}

// SecureZero overwrites b with zeroes; used on key material once a
// backup or restore run no longer needs it in memory.
func SecureZero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
