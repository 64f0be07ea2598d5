package app

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

const (
	charsetLower   = "abcdefghijklmnopqrstuvwxyz"
	charsetUpper   = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	charsetDigits  = "0123456789"
	charsetSymbols = "!@#$%^&*"

	DefaultPasswordLength = 20
	maxPasswordLength     = 256
)

type GeneratePasswordRequest struct {
	Length  int
	Lower   bool
	Upper   bool
	Digits  bool
	Symbols bool
}

// GeneratePassword draws Length characters from the selected sets using
// crypto/rand. When Length allows it every selected set contributes at least
// one character.
func GeneratePassword(req GeneratePasswordRequest) (string, error) {
	if req.Length < 1 || req.Length > maxPasswordLength {
		return "", fmt.Errorf("%w: length must be between 1 and %d", ErrValidation, maxPasswordLength)
	}

	var sets []string
	if req.Lower {
		sets = append(sets, charsetLower)
	}
	if req.Upper {
		sets = append(sets, charsetUpper)
	}
	if req.Digits {
		sets = append(sets, charsetDigits)
	}
	if req.Symbols {
		sets = append(sets, charsetSymbols)
	}
	if len(sets) == 0 {
		return "", fmt.Errorf("%w: select at least one character set", ErrValidation)
	}

	password := make([]byte, 0, req.Length)
	if req.Length >= len(sets) {
		for _, set := range sets {
			ch, err := pickRandomChar(set)
			if err != nil {
				return "", err
			}
			password = append(password, ch)
		}
	}

	all := strings.Join(sets, "")
	for len(password) < req.Length {
		ch, err := pickRandomChar(all)
		if err != nil {
			return "", err
		}
		password = append(password, ch)
	}

	if err := shuffleBytes(password); err != nil {
		return "", err
	}
	return string(password), nil
}

func pickRandomChar(set string) (byte, error) {
	idx, err := randomIndex(len(set))
	if err != nil {
		return 0, err
	}
	return set[idx], nil
}

func shuffleBytes(data []byte) error {
	for i := len(data) - 1; i > 0; i-- {
		j, err := randomIndex(i + 1)
		if err != nil {
			return err
		}
		data[i], data[j] = data[j], data[i]
	}
	return nil
}

func randomIndex(n int) (int, error) {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, fmt.Errorf("generate password: %w", err)
	}
	return int(v.Int64()), nil
}
