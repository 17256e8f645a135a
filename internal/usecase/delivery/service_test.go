package delivery

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"autoposter/internal/domain"
)

// memRepo повторяет переходы статусов постгресового стора, включая
// атомарность захвата: ClaimPost выигрывает ровно один вызывающий.
type memRepo struct {
	mu     sync.Mutex
	nextID int64
	posts  map[int64]domain.Post
}

func newMemRepo() *memRepo {
	return &memRepo{posts: map[int64]domain.Post{}}
}

func (r *memRepo) add(post domain.Post) domain.Post {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	post.ID = r.nextID
	if post.Status == "" {
		post.Status = domain.PostStatusPending
	}
	r.posts[post.ID] = post
	return post
}

func (r *memRepo) get(id int64) domain.Post {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.posts[id]
}

func (r *memRepo) CreatePost(_ context.Context, post domain.Post) (domain.Post, bool, error) {
	return r.add(post), true, nil
}

func (r *memRepo) GetPost(_ context.Context, id int64) (domain.Post, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	post, ok := r.posts[id]
	if !ok {
		return domain.Post{}, domain.ErrPostNotFound
	}
	return post, nil
}

func (r *memRepo) ListDue(_ context.Context, now time.Time, slot string, limit int) ([]domain.Post, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var due []domain.Post
	for _, post := range r.posts {
		if post.Status == domain.PostStatusPending && !post.PublishAt.After(now) &&
			(slot == "" || post.Slot == slot) {
			due = append(due, post)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].PublishAt.Equal(due[j].PublishAt) {
			return due[i].PublishAt.Before(due[j].PublishAt)
		}
		return due[i].ID < due[j].ID
	})
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (r *memRepo) ClaimPost(_ context.Context, id int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	post, ok := r.posts[id]
	if !ok || post.Status != domain.PostStatusPending {
		return false, nil
	}
	post.Status = domain.PostStatusClaimed
	r.posts[id] = post
	return true, nil
}

func (r *memRepo) ReleaseClaim(_ context.Context, id int64) error {
	return r.transition(id, domain.PostStatusClaimed, domain.PostStatusPending, nil)
}

func (r *memRepo) ReleaseForRetry(_ context.Context, id int64, kind domain.ErrorKind, message string) error {
	return r.transition(id, domain.PostStatusClaimed, domain.PostStatusPending, func(p *domain.Post) {
		p.ErrorKind = string(kind)
		p.LastError = message
	})
}

func (r *memRepo) ReleaseStaleClaims(context.Context, time.Time) (int64, error) { return 0, nil }

func (r *memRepo) MarkPublished(_ context.Context, id int64, externalID string) error {
	return r.transition(id, domain.PostStatusClaimed, domain.PostStatusPublished, func(p *domain.Post) {
		p.ExternalID = externalID
	})
}

func (r *memRepo) MarkFailed(_ context.Context, id int64, kind domain.ErrorKind, message string) error {
	return r.transition(id, domain.PostStatusClaimed, domain.PostStatusFailed, func(p *domain.Post) {
		p.ErrorKind = string(kind)
		p.LastError = message
	})
}

func (r *memRepo) CancelPost(_ context.Context, id int64) error {
	return r.transition(id, domain.PostStatusPending, domain.PostStatusCancelled, nil)
}

func (r *memRepo) RetryPost(_ context.Context, id int64) error {
	return r.transition(id, domain.PostStatusFailed, domain.PostStatusPending, nil)
}

func (r *memRepo) transition(id int64, from, to domain.PostStatus, mutate func(*domain.Post)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	post, ok := r.posts[id]
	if !ok {
		return domain.ErrPostNotFound
	}
	if post.Status != from {
		return domain.ErrInvalidTransition
	}
	post.Status = to
	if mutate != nil {
		mutate(&post)
	}
	r.posts[id] = post
	return nil
}

func (r *memRepo) ThreadPredecessor(_ context.Context, threadID string, index int) (domain.Post, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, post := range r.posts {
		if post.ThreadID != nil && *post.ThreadID == threadID &&
			post.ThreadIndex != nil && *post.ThreadIndex == index-1 {
			return post, nil
		}
	}
	return domain.Post{}, domain.ErrPostNotFound
}

// stubPublisher записывает публикации; fail задаёт ошибку по тексту поста.
type stubPublisher struct {
	mu        sync.Mutex
	published []domain.PublishInput
	fail      map[string]error
}

func (p *stubPublisher) UploadMedia(_ context.Context, _ string, blob domain.MediaBlob) (string, error) {
	return "media-" + blob.Source, nil
}

func (p *stubPublisher) CreatePost(_ context.Context, in domain.PublishInput) (domain.PublishResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err, ok := p.fail[in.Text]; ok {
		return domain.PublishResult{}, err
	}
	p.published = append(p.published, in)
	return domain.PublishResult{ExternalID: fmt.Sprintf("ext-%d", len(p.published)), PostedAt: time.Now().UTC()}, nil
}

func (p *stubPublisher) texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.published))
	for i, in := range p.published {
		out[i] = in.Text
	}
	return out
}

type passResolver struct{}

func (passResolver) Resolve(_ context.Context, ref string) (domain.MediaBlob, error) {
	return domain.MediaBlob{Data: []byte("x"), ContentType: "image/png", Source: ref}, nil
}

func newTestService(repo *memRepo, pub *stubPublisher, cfg Config) *Service {
	return NewService(repo, pub, passResolver{}, cfg, zerolog.Nop())
}

func due(t time.Time) time.Time { return t.Add(-time.Minute) }

func TestRunCyclePublishesDuePosts(t *testing.T) {
	repo := newMemRepo()
	pub := &stubPublisher{}
	service := newTestService(repo, pub, Config{})
	now := time.Now().UTC()

	ready := repo.add(domain.Post{Slot: "primary", Text: "готов", PublishAt: due(now)})
	future := repo.add(domain.Post{Slot: "primary", Text: "рано", PublishAt: now.Add(time.Hour)})

	if err := service.RunCycle(context.Background()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if got := repo.get(ready.ID).Status; got != domain.PostStatusPublished {
		t.Fatalf("созревший пост должен быть published, статус %s", got)
	}
	if repo.get(ready.ID).ExternalID == "" {
		t.Fatal("published-пост должен получить external id")
	}
	if got := repo.get(future.ID).Status; got != domain.PostStatusPending {
		t.Fatalf("несозревший пост должен остаться pending, статус %s", got)
	}
}

func TestConcurrentCyclesPublishExactlyOnce(t *testing.T) {
	repo := newMemRepo()
	pub := &stubPublisher{}
	now := time.Now().UTC()
	for i := 0; i < 10; i++ {
		repo.add(domain.Post{Slot: "primary", Text: fmt.Sprintf("пост %d", i), PublishAt: due(now)})
	}

	// Два независимых цикла над общим стором, как два процесса
	// планировщика над одной базой.
	first := newTestService(repo, pub, Config{})
	second := newTestService(repo, pub, Config{})

	var wg sync.WaitGroup
	for _, service := range []*Service{first, second} {
		wg.Add(1)
		go func(s *Service) {
			defer wg.Done()
			_ = s.RunCycle(context.Background())
		}(service)
	}
	wg.Wait()

	texts := pub.texts()
	if len(texts) != 10 {
		t.Fatalf("каждый пост должен публиковаться ровно один раз, публикаций: %d", len(texts))
	}
	seen := map[string]bool{}
	for _, text := range texts {
		if seen[text] {
			t.Fatalf("пост %q опубликован дважды", text)
		}
		seen[text] = true
	}
}

func TestThreadPublishesInOrderAcrossCycles(t *testing.T) {
	repo := newMemRepo()
	pub := &stubPublisher{}
	service := newTestService(repo, pub, Config{})
	now := time.Now().UTC()

	threadID := "thread-1"
	var posts []domain.Post
	for i := 0; i < 3; i++ {
		idx := i
		posts = append(posts, repo.add(domain.Post{
			Slot: "primary", Text: fmt.Sprintf("тред %d", i), PublishAt: due(now),
			ThreadID: &threadID, ThreadIndex: &idx,
		}))
	}

	// ListDue отдаёт по publish_at+id, так что один цикл может успеть
	// опубликовать весь тред; гарантия — не больше трёх циклов.
	for cycle := 0; cycle < 3; cycle++ {
		if err := service.RunCycle(context.Background()); err != nil {
			t.Fatalf("цикл %d: %v", cycle, err)
		}
	}

	texts := pub.texts()
	want := []string{"тред 0", "тред 1", "тред 2"}
	if len(texts) != len(want) {
		t.Fatalf("ожидали %d публикаций, получили %d", len(want), len(texts))
	}
	for i, text := range want {
		if texts[i] != text {
			t.Fatalf("нарушен порядок треда: %v", texts)
		}
	}

	// Ответность: каждый следующий отвечает на external id предыдущего.
	for i := 1; i < 3; i++ {
		expected := repo.get(posts[i-1].ID).ExternalID
		pub.mu.Lock()
		got := pub.published[i].ReplyToID
		pub.mu.Unlock()
		if got != expected {
			t.Fatalf("пост %d должен отвечать на %s, отвечает на %s", i, expected, got)
		}
	}
}

func TestThreadStallsWhilePredecessorUnpublished(t *testing.T) {
	repo := newMemRepo()
	pub := &stubPublisher{fail: map[string]error{
		"голова": &domain.PublishError{Kind: domain.ErrorKindContentPolicy, Message: "rejected"},
	}}
	service := newTestService(repo, pub, Config{ThreadMaxWait: time.Hour})
	now := time.Now().UTC()

	threadID := "thread-2"
	zero, one := 0, 1
	head := repo.add(domain.Post{Slot: "primary", Text: "голова", PublishAt: due(now), ThreadID: &threadID, ThreadIndex: &zero})
	tail := repo.add(domain.Post{Slot: "primary", Text: "хвост", PublishAt: due(now), ThreadID: &threadID, ThreadIndex: &one})

	if err := service.RunCycle(context.Background()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if got := repo.get(head.ID).Status; got != domain.PostStatusFailed {
		t.Fatalf("голова должна упасть, статус %s", got)
	}
	// Хвост не публикуется и не падает: ждёт в pending.
	if got := repo.get(tail.ID).Status; got != domain.PostStatusPending {
		t.Fatalf("хвост должен вернуться в pending, статус %s", got)
	}
	if len(pub.texts()) != 0 {
		t.Fatalf("публикаций быть не должно: %v", pub.texts())
	}
}

func TestThreadMemberFailsAfterMaxWait(t *testing.T) {
	repo := newMemRepo()
	pub := &stubPublisher{}
	service := newTestService(repo, pub, Config{ThreadMaxWait: time.Hour})
	now := time.Now().UTC()
	service.SetNow(func() time.Time { return now })

	threadID := "thread-3"
	zero, one := 0, 1
	repo.add(domain.Post{Slot: "primary", Text: "голова", PublishAt: now.Add(-2 * time.Hour), ThreadID: &threadID, ThreadIndex: &zero, Status: domain.PostStatusFailed})
	tail := repo.add(domain.Post{Slot: "primary", Text: "хвост", PublishAt: now.Add(-2 * time.Hour), ThreadID: &threadID, ThreadIndex: &one})

	if err := service.RunCycle(context.Background()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	got := repo.get(tail.ID)
	if got.Status != domain.PostStatusFailed {
		t.Fatalf("хвост должен упасть после max wait, статус %s", got.Status)
	}
	if got.ErrorKind != string(domain.ErrorKindUnknownReply) {
		t.Fatalf("неожиданный класс ошибки: %s", got.ErrorKind)
	}
}

func TestRetryableErrorReturnsPostToPending(t *testing.T) {
	repo := newMemRepo()
	pub := &stubPublisher{fail: map[string]error{
		"лимит": &domain.PublishError{Kind: domain.ErrorKindRateLimited, Message: "429"},
	}}
	service := newTestService(repo, pub, Config{})
	now := time.Now().UTC()

	post := repo.add(domain.Post{Slot: "primary", Text: "лимит", PublishAt: due(now)})
	if err := service.RunCycle(context.Background()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	got := repo.get(post.ID)
	if got.Status != domain.PostStatusPending {
		t.Fatalf("rate limit должен вернуть пост в pending, статус %s", got.Status)
	}
	// Причина возврата остаётся на записи, а не только в логах.
	if got.ErrorKind != string(domain.ErrorKindRateLimited) {
		t.Fatalf("неожиданный класс ошибки: %q", got.ErrorKind)
	}
	if got.LastError == "" {
		t.Fatal("возвращённый пост должен нести текст последней ошибки")
	}
}

func TestPermanentErrorMarksPostFailed(t *testing.T) {
	repo := newMemRepo()
	pub := &stubPublisher{fail: map[string]error{
		"запрещено": &domain.PublishError{Kind: domain.ErrorKindContentPolicy, Message: "policy"},
	}}
	service := newTestService(repo, pub, Config{})
	now := time.Now().UTC()

	post := repo.add(domain.Post{Slot: "primary", Text: "запрещено", PublishAt: due(now)})
	if err := service.RunCycle(context.Background()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	got := repo.get(post.ID)
	if got.Status != domain.PostStatusFailed {
		t.Fatalf("ожидали failed, статус %s", got.Status)
	}
	if got.ErrorKind != string(domain.ErrorKindContentPolicy) {
		t.Fatalf("неожиданный класс ошибки: %s", got.ErrorKind)
	}
}

func TestBackfillWindowFailsStalePosts(t *testing.T) {
	repo := newMemRepo()
	pub := &stubPublisher{}
	service := newTestService(repo, pub, Config{BackfillWindow: 30 * time.Minute})
	now := time.Now().UTC()
	service.SetNow(func() time.Time { return now })

	stale := repo.add(domain.Post{Slot: "primary", Text: "старый", PublishAt: now.Add(-2 * time.Hour)})
	fresh := repo.add(domain.Post{Slot: "primary", Text: "свежий", PublishAt: now.Add(-time.Minute)})

	if err := service.RunCycle(context.Background()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	got := repo.get(stale.ID)
	if got.Status != domain.PostStatusFailed {
		t.Fatalf("просроченный пост должен упасть, статус %s", got.Status)
	}
	if got.ErrorKind != string(domain.ErrorKindMissedWindow) {
		t.Fatalf("просрочка должна классифицироваться как missed_window, класс %q", got.ErrorKind)
	}
	if got := repo.get(fresh.ID).Status; got != domain.PostStatusPublished {
		t.Fatalf("свежий пост должен публиковаться, статус %s", got)
	}
}

func TestRunSlotFiltersBySlot(t *testing.T) {
	repo := newMemRepo()
	pub := &stubPublisher{}
	service := newTestService(repo, pub, Config{})
	now := time.Now().UTC()

	primary := repo.add(domain.Post{Slot: "primary", Text: "основной", PublishAt: due(now)})
	backup := repo.add(domain.Post{Slot: "backup", Text: "запасной", PublishAt: due(now)})

	if err := service.RunSlot(context.Background(), "primary"); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if got := repo.get(primary.ID).Status; got != domain.PostStatusPublished {
		t.Fatalf("пост слота primary должен публиковаться, статус %s", got)
	}
	if got := repo.get(backup.ID).Status; got != domain.PostStatusPending {
		t.Fatalf("чужой слот не должен трогаться, статус %s", got)
	}
}
