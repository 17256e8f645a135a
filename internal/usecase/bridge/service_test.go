package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"autoposter/internal/domain"
	"autoposter/internal/usecase/queue"
)

type stubAccounts struct{}

func (stubAccounts) GetBySlot(_ context.Context, slot string) (domain.Account, error) {
	switch slot {
	case "primary", "backup":
		return domain.Account{Slot: slot, Handle: slot + "_acc", AccessToken: "tok", Active: true}, nil
	default:
		return domain.Account{}, domain.ErrAccountNotFound
	}
}

func (stubAccounts) GetByHandle(_ context.Context, handle string) (domain.Account, error) {
	if handle == "main" {
		return domain.Account{Slot: "primary", Handle: "main"}, nil
	}
	return domain.Account{}, domain.ErrAccountNotFound
}

func (stubAccounts) ListActive(context.Context) ([]domain.Account, error) { return nil, nil }

type stubPublisher struct {
	mu        sync.Mutex
	published []domain.PublishInput
	uploads   int
	uploadErr error
	createErr error
}

func (p *stubPublisher) UploadMedia(_ context.Context, _ string, blob domain.MediaBlob) (string, error) {
	if p.uploadErr != nil {
		return "", p.uploadErr
	}
	p.mu.Lock()
	p.uploads++
	p.mu.Unlock()
	return "media-" + blob.Source, nil
}

func (p *stubPublisher) CreatePost(_ context.Context, in domain.PublishInput) (domain.PublishResult, error) {
	if p.createErr != nil {
		return domain.PublishResult{}, p.createErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, in)
	return domain.PublishResult{ExternalID: "ext-1", PostedAt: time.Now().UTC()}, nil
}

type stubResolver struct {
	refuse bool
}

func (r stubResolver) Resolve(_ context.Context, ref string) (domain.MediaBlob, error) {
	if r.refuse {
		return domain.MediaBlob{}, errors.New("refused")
	}
	return domain.MediaBlob{Data: []byte("img"), ContentType: "image/png", Source: ref}, nil
}

// stubRepo — минимальный QueueRepo для постановки через мост.
type stubRepo struct {
	mu     sync.Mutex
	nextID int64
	posts  []domain.Post
}

func (r *stubRepo) CreatePost(_ context.Context, post domain.Post) (domain.Post, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	post.ID = r.nextID
	r.posts = append(r.posts, post)
	return post, true, nil
}

func (r *stubRepo) GetPost(context.Context, int64) (domain.Post, error) {
	return domain.Post{}, domain.ErrPostNotFound
}

func (r *stubRepo) ListDue(context.Context, time.Time, string, int) ([]domain.Post, error) {
	return nil, nil
}

func (r *stubRepo) ClaimPost(context.Context, int64) (bool, error) { return false, nil }
func (r *stubRepo) ReleaseClaim(context.Context, int64) error { return nil }
func (r *stubRepo) ReleaseForRetry(context.Context, int64, domain.ErrorKind, string) error {
	return nil
}
func (r *stubRepo) MarkPublished(context.Context, int64, string) error { return nil }

func (r *stubRepo) ReleaseStaleClaims(context.Context, time.Time) (int64, error) { return 0, nil }

func (r *stubRepo) MarkFailed(context.Context, int64, domain.ErrorKind, string) error { return nil }
func (r *stubRepo) CancelPost(context.Context, int64) error { return nil }
func (r *stubRepo) RetryPost(context.Context, int64) error { return nil }

func (r *stubRepo) ThreadPredecessor(context.Context, string, int) (domain.Post, error) {
	return domain.Post{}, domain.ErrPostNotFound
}

func newTestService(pub *stubPublisher, resolver stubResolver, repo *stubRepo) *Service {
	if repo == nil {
		repo = &stubRepo{}
	}
	queueSvc := queue.NewService(repo, stubAccounts{}, resolver, 280, zerolog.Nop())
	return NewService(stubAccounts{}, queueSvc, pub, resolver, []string{"primary"}, 280, zerolog.Nop())
}

func TestParsePayloadAliases(t *testing.T) {
	cases := []struct {
		name string
		body string
		text string
	}{
		{"text", `{"text":"привет"}`, "привет"},
		{"content", `{"content":"привет"}`, "привет"},
		{"message", `{"message":"привет"}`, "привет"},
		{"body", `{"body":"привет"}`, "привет"},
	}
	for _, tc := range cases {
		payload, err := ParsePayload([]byte(tc.body))
		if err != nil {
			t.Errorf("%s: не ожидали ошибку: %v", tc.name, err)
			continue
		}
		if payload.Text != tc.text {
			t.Errorf("%s: ожидали %q, получили %q", tc.name, tc.text, payload.Text)
		}
	}
}

func TestParsePayloadMediaForms(t *testing.T) {
	payload, err := ParsePayload([]byte(`{"text":"x","media_urls":["https://a/1.png","https://a/2.png"]}`))
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(payload.MediaRefs) != 2 {
		t.Fatalf("ожидали 2 медиа, получили %d", len(payload.MediaRefs))
	}

	payload, err = ParsePayload([]byte(`{"text":"x","images":"https://a/1.png"}`))
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(payload.MediaRefs) != 1 {
		t.Fatalf("одиночная строка медиа должна приниматься, получили %d", len(payload.MediaRefs))
	}
}

func TestParsePayloadRejectsGarbage(t *testing.T) {
	bodies := []string{
		`not json`,
		`{"media":"x"}`,
		`{"text":"a","thread":["b"]}`,
		`{"thread":[]}`,
		`{"text":"x","publish_at":"вчера"}`,
	}
	for _, body := range bodies {
		if _, err := ParsePayload([]byte(body)); !errors.Is(err, ErrPayload) {
			t.Errorf("ожидали ErrPayload для %s, получили %v", body, err)
		}
	}
}

func TestHandlePublishesImmediately(t *testing.T) {
	pub := &stubPublisher{}
	service := newTestService(pub, stubResolver{}, nil)

	payload, err := ParsePayload([]byte(`{"content":"срочная новость","media":["https://cdn/x.png"],"community":"c1"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := service.Handle(context.Background(), payload, nil)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if resp.ExternalID != "ext-1" || resp.Slot != "primary" {
		t.Fatalf("неожиданный ответ: %+v", resp)
	}
	if len(pub.published) != 1 {
		t.Fatalf("ожидали одну публикацию, получили %d", len(pub.published))
	}
	in := pub.published[0]
	if len(in.MediaIDs) != 1 || in.CommunityID != "c1" {
		t.Fatalf("payload потерян при публикации: %+v", in)
	}
}

func TestHandleResolvesSlotByHandle(t *testing.T) {
	pub := &stubPublisher{}
	service := newTestService(pub, stubResolver{}, nil)

	payload, _ := ParsePayload([]byte(`{"text":"x","handle":"@main"}`))
	resp, err := service.Handle(context.Background(), payload, nil)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if resp.Slot != "primary" {
		t.Fatalf("handle main должен резолвиться в primary, получили %s", resp.Slot)
	}
}

func TestHandleRejectsSlotOutsideAllowList(t *testing.T) {
	service := newTestService(&stubPublisher{}, stubResolver{}, nil)

	// backup подключён, но мосту разрешён только primary.
	payload, _ := ParsePayload([]byte(`{"text":"x","slot":"backup"}`))
	if _, err := service.Handle(context.Background(), payload, nil); !errors.Is(err, ErrSlotForbidden) {
		t.Fatalf("ожидали ErrSlotForbidden, получили %v", err)
	}
}

func TestHandleRejectsOversizedText(t *testing.T) {
	service := newTestService(&stubPublisher{}, stubResolver{}, nil)

	long := make([]rune, 281)
	for i := range long {
		long[i] = 'я'
	}
	payload := Payload{Text: string(long), Slot: "primary"}
	if _, err := service.Handle(context.Background(), payload, nil); !errors.Is(err, ErrPayload) {
		t.Fatalf("ожидали ErrPayload, получили %v", err)
	}
}

func TestHandleDryRunEchoesPayload(t *testing.T) {
	pub := &stubPublisher{}
	service := newTestService(pub, stubResolver{}, nil)

	body := []byte(`{"text":"проверка","dry_run":true}`)
	payload, _ := ParsePayload(body)
	resp, err := service.Handle(context.Background(), payload, body)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !resp.DryRun || string(resp.Echo) != string(body) {
		t.Fatalf("dry-run должен вернуть эхо payload: %+v", resp)
	}
	if len(pub.published) != 0 {
		t.Fatal("dry-run не должен публиковать")
	}
}

func TestHandleDryRunValidatesMedia(t *testing.T) {
	// Dry run с недоступным медиа обязан падать так же, как настоящая
	// публикация: иначе прогон ничего не проверяет.
	service := newTestService(&stubPublisher{}, stubResolver{refuse: true}, nil)
	payload, _ := ParsePayload([]byte(`{"text":"x","media":["http://169.254.169.254/x"],"dry_run":true}`))
	if _, err := service.Handle(context.Background(), payload, nil); !errors.Is(err, ErrPayload) {
		t.Fatalf("ожидали ErrPayload, получили %v", err)
	}

	// С доступным медиа dry run проходит, но на платформу ничего не
	// загружается и не публикуется.
	pub := &stubPublisher{}
	service = newTestService(pub, stubResolver{}, nil)
	payload, _ = ParsePayload([]byte(`{"text":"x","media":["https://cdn/x.png"],"dry_run":true}`))
	resp, err := service.Handle(context.Background(), payload, nil)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !resp.DryRun {
		t.Fatalf("ожидали dry-run ответ: %+v", resp)
	}
	if pub.uploads != 0 || len(pub.published) != 0 {
		t.Fatalf("dry-run не должен трогать платформу: uploads=%d, published=%d", pub.uploads, len(pub.published))
	}
}

func TestHandleRefusedMediaMapsToPayloadError(t *testing.T) {
	service := newTestService(&stubPublisher{}, stubResolver{refuse: true}, nil)

	payload, _ := ParsePayload([]byte(`{"text":"x","media":["http://169.254.169.254/x"]}`))
	if _, err := service.Handle(context.Background(), payload, nil); !errors.Is(err, ErrPayload) {
		t.Fatalf("ожидали ErrPayload, получили %v", err)
	}
}

func TestHandleUpstreamFailureMapsToUpstreamError(t *testing.T) {
	pub := &stubPublisher{createErr: &domain.PublishError{Kind: domain.ErrorKindTransient, Message: "500"}}
	service := newTestService(pub, stubResolver{}, nil)

	payload, _ := ParsePayload([]byte(`{"text":"x"}`))
	if _, err := service.Handle(context.Background(), payload, nil); !errors.Is(err, ErrUpstream) {
		t.Fatalf("ожидали ErrUpstream, получили %v", err)
	}
}

func TestHandleFuturePublishAtEnqueues(t *testing.T) {
	pub := &stubPublisher{}
	repo := &stubRepo{}
	service := newTestService(pub, stubResolver{}, repo)

	at := time.Now().UTC().Add(time.Hour).Format(time.RFC3339)
	payload, err := ParsePayload([]byte(`{"text":"отложенный пост","publish_at":"` + at + `"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := service.Handle(context.Background(), payload, nil)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(resp.QueuedIDs) != 1 {
		t.Fatalf("ожидали постановку в очередь, ответ %+v", resp)
	}
	if len(pub.published) != 0 {
		t.Fatal("отложенный пост не должен публиковаться сразу")
	}
	if len(repo.posts) != 1 || repo.posts[0].Status != domain.PostStatusPending {
		t.Fatalf("в сторе должен появиться pending-пост: %+v", repo.posts)
	}
}

func TestHandleThreadEnqueuesOrderedMembers(t *testing.T) {
	repo := &stubRepo{}
	service := newTestService(&stubPublisher{}, stubResolver{}, repo)

	payload, err := ParsePayload([]byte(`{"thread":["раз","два","три"]}`))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := service.Handle(context.Background(), payload, nil)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(resp.QueuedIDs) != 3 {
		t.Fatalf("ожидали 3 поставленных поста, получили %d", len(resp.QueuedIDs))
	}
	for i, post := range repo.posts {
		if post.ThreadIndex == nil || *post.ThreadIndex != i {
			t.Fatalf("пост %d: неверный индекс треда %+v", i, post.ThreadIndex)
		}
	}
}
