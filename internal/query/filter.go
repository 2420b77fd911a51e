// Пакет query — типизированные фильтры и построитель параметризованных
// SQL-запросов к индексу метаданных.
//
// Значения фильтров никогда не попадают в текст SQL: в запросе остаются
// только имена столбцов из белого списка, фиксированные операторы
// и плейсхолдеры '?'.
package query

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
)

// ErrInvalidFilter — значение фильтра не удалось разобрать.
var ErrInvalidFilter = errors.New("некорректный фильтр")

// Operator — оператор сравнения.
type Operator string

const (
	Eq  Operator = "eq"
	Ne  Operator = "ne"
	Gt  Operator = "gt"
	Gte Operator = "gte"
	Lt  Operator = "lt"
	Lte Operator = "lte"
)

// sqlOperators — фиксированные SQL-фрагменты операторов.
var sqlOperators = map[Operator]string{
	Eq:  "=",
	Ne:  "!=",
	Gt:  ">",
	Gte: ">=",
	Lt:  "<",
	Lte: "<=",
}

// SQL возвращает SQL-фрагмент оператора.
func (o Operator) SQL() (string, bool) {
	s, ok := sqlOperators[o]
	return s, ok
}

// Columns — белый список фильтруемых параметров: имя в API → столбец индекса.
// Порядок обхода задаёт ParamOrder.
var Columns = map[string]string{
	"itemKey":  "item_key",
	"nodeId":   "node_id",
	"instance": "instance",
	"type":     "type",
	"ts":       "ts",
	"tsEnded":  "ts_ended",
}

// ParamOrder — детерминированный порядок параметров в WHERE.
var ParamOrder = []string{"itemKey", "nodeId", "instance", "type", "ts", "tsEnded"}

// Filter — разобранное значение фильтра.
type Filter struct {
	Op    Operator
	Value any
}

// ParseFilter разбирает значение параметра запроса:
//   - скаляр JSON (строка, число, bool) — равенство;
//   - объект с одним ключом-оператором, например {"gte": 5};
//   - текст, не являющийся JSON, — равенство с исходной строкой.
//
// Объект без операторов или с несколькими, массив и null — ErrInvalidFilter.
func ParseFilter(raw string) (Filter, error) {
	v, ok := decodeJSON(raw)
	if !ok {
		return Filter{Op: Eq, Value: raw}, nil
	}

	obj, isObj := v.(map[string]any)
	if !isObj {
		val, err := scalar(v)
		if err != nil {
			return Filter{}, err
		}
		return Filter{Op: Eq, Value: val}, nil
	}

	if len(obj) != 1 {
		return Filter{}, fmt.Errorf("%w: ожидался ровно один оператор, получено %d", ErrInvalidFilter, len(obj))
	}
	for k, raw := range obj {
		op := Operator(strings.ToLower(k))
		if _, known := sqlOperators[op]; !known {
			return Filter{}, fmt.Errorf("%w: неизвестный оператор %q", ErrInvalidFilter, k)
		}
		val, err := scalar(raw)
		if err != nil {
			return Filter{}, err
		}
		return Filter{Op: op, Value: val}, nil
	}
	return Filter{}, ErrInvalidFilter
}

// decodeJSON декодирует ровно одно JSON-значение. Числа сохраняются как json.Number.
func decodeJSON(raw string) (any, bool) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, false
	}
	// Лишние данные после значения — не JSON
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, false
	}
	return v, true
}

// scalar приводит JSON-значение к типу, пригодному для параметра SQL.
func scalar(v any) (any, error) {
	switch val := v.(type) {
	case string:
		return val, nil
	case bool:
		return val, nil
	case json.Number:
		if n, err := strconv.ParseInt(val.String(), 10, 64); err == nil {
			return n, nil
		}
		f, err := val.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: некорректное число %s", ErrInvalidFilter, val)
		}
		return f, nil
	case nil:
		return nil, fmt.Errorf("%w: значение null", ErrInvalidFilter)
	default:
		return nil, fmt.Errorf("%w: ожидалось скалярное значение", ErrInvalidFilter)
	}
}

// Criterion — условие "<столбец> <оператор> ?". Создаётся только
// через NewCriterion, поэтому столбец всегда из белого списка.
type Criterion struct {
	column string
	op     Operator
	value  any
}

// NewCriterion создаёт условие для параметра API.
func NewCriterion(param string, f Filter) (Criterion, error) {
	col, ok := Columns[param]
	if !ok {
		return Criterion{}, fmt.Errorf("%w: неизвестный параметр %q", ErrInvalidFilter, param)
	}
	if _, ok := sqlOperators[f.Op]; !ok {
		return Criterion{}, fmt.Errorf("%w: неизвестный оператор %q", ErrInvalidFilter, f.Op)
	}
	return Criterion{column: col, op: f.Op, value: f.Value}, nil
}

// SQL возвращает текст условия с плейсхолдером.
func (c Criterion) SQL() string {
	op, _ := c.op.SQL()
	return c.column + " " + op + " ?"
}

// Value возвращает связываемое значение.
func (c Criterion) Value() any {
	return c.value
}

// FromValues строит условия из параметров запроса. Неизвестные параметры
// игнорируются; повторы параметра дают несколько условий (диапазоны).
func FromValues(values url.Values) ([]Criterion, error) {
	var result []Criterion
	for _, param := range ParamOrder {
		for _, raw := range values[param] {
			f, err := ParseFilter(raw)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", param, err)
			}
			c, err := NewCriterion(param, f)
			if err != nil {
				return nil, err
			}
			result = append(result, c)
		}
	}
	return result, nil
}

// Order — направление сортировки.
type Order string

const (
	Asc  Order = "asc"
	Desc Order = "desc"
)

// ParseOrder разбирает направление сортировки; пустая строка — Desc.
func ParseOrder(s string) (Order, error) {
	switch Order(strings.ToLower(s)) {
	case "", Desc:
		return Desc, nil
	case Asc:
		return Asc, nil
	default:
		return "", fmt.Errorf("%w: недопустимый порядок %q, допустимые: asc, desc", ErrInvalidFilter, s)
	}
}

// SQL возвращает ключевое слово сортировки.
func (o Order) SQL() string {
	if o == Desc {
		return "DESC"
	}
	return "ASC"
}

// ContinuationOp возвращает оператор продолжения выборки от nextItemKey.
func (o Order) ContinuationOp() Operator {
	if o == Desc {
		return Lte
	}
	return Gte
}

// Continuation возвращает условие, продолжающее выборку с ключа nextItemKey
// включительно.
func (o Order) Continuation(nextItemKey string) Criterion {
	return Criterion{column: Columns["itemKey"], op: o.ContinuationOp(), value: nextItemKey}
}
