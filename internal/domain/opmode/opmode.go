// Пакет opmode — режимы работы тенанта.
//
//   - standard — содержимое архивируется и индексируется
//   - storageRelay (синоним noDatabase) — содержимое только архивируется,
//     индекс не создаётся, GET-операции недоступны
//
// Режим задаётся конфигурацией и не меняется во время работы.
package opmode

import (
	"fmt"
	"strings"
)

// Mode — режим работы тенанта.
type Mode string

const (
	// Standard — архив + индекс метаданных
	Standard Mode = "standard"
	// StorageRelay — только архив содержимого
	StorageRelay Mode = "storageRelay"
)

// noDatabase — историческое имя режима StorageRelay.
const noDatabase = "nodatabase"

// Operation — операция над архивом тенанта.
type Operation string

const (
	OpIngest    Operation = "ingest"
	OpQuery     Operation = "query"
	OpGroom     Operation = "groom"
	OpReconcile Operation = "reconcile"
)

// allowedOperations — матрица допустимых операций для каждого режима.
var allowedOperations = map[Mode]map[Operation]bool{
	Standard:     {OpIngest: true, OpQuery: true, OpGroom: true, OpReconcile: true},
	StorageRelay: {OpIngest: true},
}

// Parse разбирает имя режима без учёта регистра.
func Parse(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", strings.ToLower(string(Standard)):
		return Standard, nil
	case strings.ToLower(string(StorageRelay)), noDatabase:
		return StorageRelay, nil
	default:
		return "", fmt.Errorf("недопустимый режим %q, допустимые: standard, storageRelay, noDatabase", s)
	}
}

// Allows проверяет, допустима ли операция в режиме.
func (m Mode) Allows(op Operation) bool {
	ops, ok := allowedOperations[m]
	if !ok {
		return false
	}
	return ops[op]
}

// HasIndex сообщает, ведётся ли для режима индекс метаданных.
func (m Mode) HasIndex() bool {
	return m.Allows(OpQuery)
}

// String возвращает имя режима.
func (m Mode) String() string {
	return string(m)
}
