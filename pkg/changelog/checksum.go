package changelog

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// checksumVersion prefixes every checksum so the algorithm can change without
// every recorded checksum turning into a conflict.
const checksumVersion = "v1:"

// Checksum вычисляет контрольную сумму операций change-set.
// Вход: упорядоченный список операций.
// Выход: строка "v1:<sha256>" или error при ошибке кодирования.
// Назначение: обнаруживать изменение уже применённого change-set.
// Checksum computes the checksum of a change-set's operations.
// Input: ordered operations.
// Output: "v1:<sha256>" or an encoding error.
// Purpose: detect edits to an already applied change-set.
func Checksum(ops []Operation) (string, error) {
	h := sha256.New()
	for _, op := range ops {
		var canonical any = op
		if raw, ok := op.(SQL); ok {
			raw.Text = strings.Join(strings.Fields(raw.Text), " ")
			canonical = raw
		}
		payload, err := json.Marshal(canonical)
		if err != nil {
			return "", fmt.Errorf("encode %s operation: %w", op.Kind(), err)
		}
		h.Write([]byte(op.Kind()))
		h.Write([]byte{0})
		h.Write(payload)
		h.Write([]byte{'\n'})
	}
	return checksumVersion + hex.EncodeToString(h.Sum(nil)), nil
}
