// Package store はアイテムの唯一の状態保持先となるインメモリストアを提供する。
//
// すべての変更はStoreの内部ロックの下で適用される。
// 変更通知（ChangeFunc）も同じロック区間内で呼ばれるため、
// View で取得したスナップショットと以降の通知の間に欠落や重複は生じない。
package store

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/itemcast/internal/model"
)

// ChangeFunc は変更が適用された直後、ストアのロックを保持したまま呼ばれる。
// ブロックする処理を行ってはならない。
type ChangeFunc func(item model.Item)

// Store は挿入順を保持するアイテムのコレクション。
// IDは再利用されず、アイテムはプロセス存続中に削除されない。
type Store struct {
	mu    sync.RWMutex
	items map[string]*model.Item
	order []string // 挿入順（古い順）

	now   func() time.Time
	newID func() string
}

// Option はStoreの生成オプション。
type Option func(*Store)

// WithClock は時刻取得関数を差し替える。テスト用。
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithIDGenerator はID生成関数を差し替える。テスト用。
func WithIDGenerator(newID func() string) Option {
	return func(s *Store) {
		s.newID = newID
	}
}

// New は空のStoreを生成する。
func New(opts ...Option) *Store {
	s := &Store{
		items: make(map[string]*model.Item),
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create は新しいアイテムを pending 状態で追加して返す。
// textが空の場合はバリデーションエラーを返し、ストアは変更しない。
func (s *Store) Create(text string, onApplied ChangeFunc) (model.Item, error) {
	if text == "" {
		return model.Item{}, model.NewTextRequiredError()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.newID()
	if _, exists := s.items[id]; exists {
		return model.Item{}, fmt.Errorf("duplicate item id generated: %s", id)
	}

	item := &model.Item{
		ID:        id,
		Text:      text,
		Status:    model.StatusPending,
		CreatedAt: s.timestamp(),
	}
	s.items[id] = item
	s.order = append(s.order, id)

	created := item.Clone()
	if onApplied != nil {
		onApplied(created)
	}
	return created, nil
}

// List は全アイテムを新しい順で返す。
// 返されるスライスと要素はコピーであり、以降の変更の影響を受けない。
func (s *Store) List() []model.Item {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.snapshotLocked()
}

// View はスナップショットを取得し、読み取りロックを保持したままfnを呼ぶ。
// fnの実行中に変更は適用されないため、購読登録などを原子的に行える。
func (s *Store) View(fn func(items []model.Item)) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fn(s.snapshotLocked())
}

// Get はIDに対応するアイテムを返す。存在しない場合はnot_foundエラーを返す。
func (s *Store) Get(id string) (model.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[id]
	if !ok {
		return model.Item{}, model.NewItemNotFoundError(id)
	}
	return item.Clone(), nil
}

// Len は保持しているアイテム数を返す。
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// TransitionOption は状態遷移時の追加変更を指定する。
type TransitionOption func(*model.Item)

// WithForwardSkipped は転送先未設定のまま承認したことを記録する。
func WithForwardSkipped() TransitionOption {
	return func(item *model.Item) {
		item.ForwardSkipped = true
	}
}

// Transition はアイテムをtargetの終端状態へ遷移させる。
//
// 既に終端状態にある場合はtargetに関わらず現在の値をそのまま返し、appliedはfalseとなる。
// 同一IDへの並行呼び出しのうち状態を変更できるのは最初の1回のみ。
// onAppliedは実際に変更が適用された場合にのみ呼ばれる。
func (s *Store) Transition(id string, target model.Status, onApplied ChangeFunc, opts ...TransitionOption) (item model.Item, applied bool, err error) {
	if !target.IsTerminal() {
		return model.Item{}, false, fmt.Errorf("invalid transition target: %q", target)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.items[id]
	if !ok {
		return model.Item{}, false, model.NewItemNotFoundError(id)
	}
	if current.Status.IsTerminal() {
		return current.Clone(), false, nil
	}

	now := s.timestamp()
	current.Status = target
	switch target {
	case model.StatusAccepted:
		current.AcceptedAt = &now
	case model.StatusCancelled:
		current.CancelledAt = &now
	}
	for _, opt := range opts {
		opt(current)
	}

	updated := current.Clone()
	if onApplied != nil {
		onApplied(updated)
	}
	return updated, true, nil
}

// snapshotLocked は新しい順のコピーを返す。呼び出し元がロックを保持していること。
func (s *Store) snapshotLocked() []model.Item {
	items := make([]model.Item, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		items = append(items, s.items[s.order[i]].Clone())
	}
	return items
}

// timestamp はミリ秒に切り詰めたUTC時刻を返す。
func (s *Store) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Millisecond)
}
