package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bigkaa/jsonarchive/internal/domain/model"
	"github.com/bigkaa/jsonarchive/internal/query"
)

// itemColumns — список столбцов для SELECT (порядок соответствует scanItem).
const itemColumns = `item_key, node_id, type, instance, ts, ts_ended,
	content_type, size, content_uri, meta_uri, created_at`

// selectItems — базовый запрос выборки элементов.
const selectItems = `SELECT ` + itemColumns + ` FROM items`

// ContentRef — ссылки элемента на хранилище (для сверки).
type ContentRef struct {
	ItemKey    string
	ContentURI string
	MetaURI    string
	CreatedAt  time.Time
}

// Insert добавляет элемент. Возвращает ErrDuplicateKey при совпадении ключа.
func (idx *Index) Insert(ctx context.Context, it *model.ArchivedItem) error {
	createdAt := it.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := idx.exec(ctx, `
		INSERT INTO items (`+itemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		it.ItemKey, it.NodeID, it.Type, it.Instance, it.Ts, nullInt64(it.TsEnded),
		it.ContentType, it.Size, it.ContentURI, nullString(it.MetaURI), createdAt.UnixMilli(),
	)
	if err != nil {
		if isConstraint(err) {
			return fmt.Errorf("%s: %w", it.ItemKey, ErrDuplicateKey)
		}
		return fmt.Errorf("ошибка добавления элемента %s: %w", it.ItemKey, err)
	}
	return nil
}

// Get возвращает элемент по ключу или ErrNotFound.
func (idx *Index) Get(ctx context.Context, itemKey string) (*model.ArchivedItem, error) {
	row := idx.queryRow(ctx, selectItems+` WHERE item_key = ?`, itemKey)
	it, err := scanItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения элемента %s: %w", itemKey, err)
	}
	return it, nil
}

// MostRecent возвращает элемент с наибольшим ts среди удовлетворяющих условиям
// или ErrNotFound.
func (idx *Index) MostRecent(ctx context.Context, criteria []query.Criterion) (*model.ArchivedItem, error) {
	b := query.New(selectItems).
		Where(criteria...).
		Finalize("ORDER BY ts DESC, item_key DESC LIMIT 1")

	it, err := scanItem(idx.queryRow(ctx, b.SQL(), b.Args()...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка выборки последнего элемента: %w", err)
	}
	return it, nil
}

// Find возвращает до limit элементов, удовлетворяющих условиям,
// упорядоченных по item_key.
func (idx *Index) Find(ctx context.Context, criteria []query.Criterion, order query.Order, limit int) ([]*model.ArchivedItem, error) {
	b := query.New(selectItems).
		Where(criteria...).
		Finalize("ORDER BY item_key "+order.SQL()+" LIMIT ?", limit)

	return idx.selectMany(ctx, b.SQL(), b.Args()...)
}

// RetentionCandidates возвращает элементы, тип которых соответствует шаблону
// LIKE и ts которых меньше olderThan. Порядок: от самых свежих к самым старым.
func (idx *Index) RetentionCandidates(ctx context.Context, typePattern string, olderThan time.Time) ([]*model.ArchivedItem, error) {
	return idx.selectMany(ctx,
		selectItems+` WHERE type LIKE ? AND ts < ? ORDER BY ts DESC, item_key ASC`,
		typePattern, olderThan.UnixMilli(),
	)
}

// Delete удаляет элемент по ключу. Отсутствие элемента не считается ошибкой.
// Возвращает true, если строка была удалена.
func (idx *Index) Delete(ctx context.Context, itemKey string) (bool, error) {
	res, err := idx.exec(ctx, `DELETE FROM items WHERE item_key = ?`, itemKey)
	if err != nil {
		return false, fmt.Errorf("ошибка удаления элемента %s: %w", itemKey, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("ошибка удаления элемента %s: %w", itemKey, err)
	}
	return n > 0, nil
}

// Count возвращает количество элементов.
func (idx *Index) Count(ctx context.Context) (int, error) {
	var n int
	if err := idx.queryRow(ctx, `SELECT COUNT(*) FROM items`).Scan(&n); err != nil {
		return 0, fmt.Errorf("ошибка подсчёта элементов: %w", err)
	}
	return n, nil
}

// ContentRefs возвращает ссылки всех элементов на хранилище.
func (idx *Index) ContentRefs(ctx context.Context) ([]ContentRef, error) {
	rows, err := idx.query(ctx, `SELECT item_key, content_uri, meta_uri, created_at FROM items`)
	if err != nil {
		return nil, fmt.Errorf("ошибка выборки ссылок: %w", err)
	}
	defer rows.Close()

	var result []ContentRef
	for rows.Next() {
		var (
			ref       ContentRef
			metaURI   sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&ref.ItemKey, &ref.ContentURI, &metaURI, &createdAt); err != nil {
			return nil, fmt.Errorf("ошибка сканирования ссылки: %w", err)
		}
		ref.MetaURI = metaURI.String
		ref.CreatedAt = time.UnixMilli(createdAt).UTC()
		result = append(result, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка итерации результатов: %w", err)
	}
	return result, nil
}

// selectMany выполняет запрос и сканирует все строки.
func (idx *Index) selectMany(ctx context.Context, q string, args ...any) ([]*model.ArchivedItem, error) {
	rows, err := idx.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка выборки элементов: %w", err)
	}
	defer rows.Close()

	var result []*model.ArchivedItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования элемента: %w", err)
		}
		result = append(result, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка итерации результатов: %w", err)
	}
	return result, nil
}

// scanner — общий интерфейс *sql.Row и *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanItem(s scanner) (*model.ArchivedItem, error) {
	var (
		it        model.ArchivedItem
		tsEnded   sql.NullInt64
		metaURI   sql.NullString
		createdAt int64
	)
	if err := s.Scan(
		&it.ItemKey, &it.NodeID, &it.Type, &it.Instance, &it.Ts, &tsEnded,
		&it.ContentType, &it.Size, &it.ContentURI, &metaURI, &createdAt,
	); err != nil {
		return nil, err
	}
	if tsEnded.Valid {
		v := tsEnded.Int64
		it.TsEnded = &v
	}
	it.MetaURI = metaURI.String
	it.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &it, nil
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
