package query

import "strings"

// Builder — построитель параметризованного запроса.
// Первое условие добавляется через " WHERE ", последующие — через " AND ".
type Builder struct {
	sb    strings.Builder
	args  []any
	where int
}

// New создаёт построитель с базовым запросом (например, "SELECT ... FROM items").
func New(base string) *Builder {
	b := &Builder{}
	b.sb.WriteString(base)
	return b
}

// Where добавляет условия.
func (b *Builder) Where(criteria ...Criterion) *Builder {
	for _, c := range criteria {
		if b.where == 0 {
			b.sb.WriteString(" WHERE ")
		} else {
			b.sb.WriteString(" AND ")
		}
		b.sb.WriteString(c.SQL())
		b.args = append(b.args, c.Value())
		b.where++
	}
	return b
}

// Finalize дописывает фиксированный фрагмент (ORDER BY, LIMIT ?) и его параметры.
// Фрагмент должен быть константой кода, а не пользовательским вводом.
func (b *Builder) Finalize(clause string, args ...any) *Builder {
	b.sb.WriteString(" ")
	b.sb.WriteString(clause)
	b.args = append(b.args, args...)
	return b
}

// SQL возвращает текст запроса.
func (b *Builder) SQL() string {
	return b.sb.String()
}

// Args возвращает связываемые параметры в порядке плейсхолдеров.
func (b *Builder) Args() []any {
	return b.args
}
