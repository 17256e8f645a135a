// Package mediafetch безопасно разрешает ссылки на медиа из недоверенных
// запросов: локальные файлы только внутри upload-каталога, удалённые
// URL — с проверкой каждого хопа редиректа и запретом приватных сетей.
package mediafetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"autoposter/internal/domain"
	"autoposter/internal/infra/metrics"
)

// ErrRefused помечает отказ валидации: вина на стороне вызывающего,
// а не сети.
var ErrRefused = errors.New("media ref refused")

const maxRedirectHops = 3

// Config описывает ограничения фетчера.
type Config struct {
	UploadRoot   string
	AllowedHosts []string
	MaxBytes     int64
	Timeout      time.Duration
}

// Fetcher реализует domain.MediaResolver.
type Fetcher struct {
	cfg    Config
	client *http.Client
	// lookup подменяется в тестах, чтобы не ходить в DNS.
	lookup func(ctx context.Context, host string) ([]netip.Addr, error)
}

var _ domain.MediaResolver = (*Fetcher)(nil)

// NewFetcher создаёт фетчер.
func NewFetcher(cfg Config) *Fetcher {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 5 << 20
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 12 * time.Second
	}
	fetcher := &Fetcher{cfg: cfg}
	fetcher.lookup = func(ctx context.Context, host string) ([]netip.Addr, error) {
		addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
		return addrs, err
	}
	fetcher.client = &http.Client{
		Timeout: cfg.Timeout,
		// Редиректы обрабатываются вручную с ревалидацией каждого хопа.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return fetcher
}

// SetHTTPClient подменяет транспорт (тесты). Ручная обработка
// редиректов сохраняется: авто-follow обошёл бы проверку хопов.
func (f *Fetcher) SetHTTPClient(client *http.Client) {
	if client != nil {
		client.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
		f.client = client
	}
}

// SetLookup подменяет DNS-резолвер (тесты).
func (f *Fetcher) SetLookup(lookup func(ctx context.Context, host string) ([]netip.Addr, error)) {
	if lookup != nil {
		f.lookup = lookup
	}
}

// Resolve превращает ссылку в проверенный блоб: путь внутри
// upload-каталога или удалённый URL.
func (f *Fetcher) Resolve(ctx context.Context, ref string) (domain.MediaBlob, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return domain.MediaBlob{}, fmt.Errorf("%w: пустая ссылка", ErrRefused)
	}
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return f.fetchRemote(ctx, ref)
	}
	return f.readLocal(ref)
}

// readLocal читает файл из upload-каталога, не позволяя выйти за его
// пределы через "..".
func (f *Fetcher) readLocal(ref string) (domain.MediaBlob, error) {
	if f.cfg.UploadRoot == "" {
		return domain.MediaBlob{}, fmt.Errorf("%w: локальные медиа не настроены", ErrRefused)
	}
	root, err := filepath.Abs(f.cfg.UploadRoot)
	if err != nil {
		return domain.MediaBlob{}, fmt.Errorf("upload root: %w", err)
	}
	full := filepath.Clean(filepath.Join(root, filepath.FromSlash(strings.TrimPrefix(ref, "upload://"))))
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return domain.MediaBlob{}, fmt.Errorf("%w: путь вне upload-каталога", ErrRefused)
	}
	info, err := os.Stat(full)
	if err != nil {
		return domain.MediaBlob{}, fmt.Errorf("%w: файл недоступен", ErrRefused)
	}
	if info.Size() > f.cfg.MaxBytes {
		return domain.MediaBlob{}, fmt.Errorf("%w: файл больше %d байт", ErrRefused, f.cfg.MaxBytes)
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return domain.MediaBlob{}, fmt.Errorf("чтение файла: %w", err)
	}
	contentType := http.DetectContentType(data)
	if err := checkImageContentType(contentType); err != nil {
		return domain.MediaBlob{}, err
	}
	return domain.MediaBlob{Data: data, ContentType: contentType, Source: ref}, nil
}

// fetchRemote скачивает URL, вручную следуя редиректам и повторяя
// валидацию на каждом хопе.
func (f *Fetcher) fetchRemote(ctx context.Context, rawURL string) (domain.MediaBlob, error) {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	current := rawURL
	for hop := 0; hop <= maxRedirectHops; hop++ {
		target, err := f.validateURL(ctx, current)
		if err != nil {
			return domain.MediaBlob{}, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
		if err != nil {
			return domain.MediaBlob{}, fmt.Errorf("create request: %w", err)
		}
		start := time.Now()
		resp, err := f.client.Do(req)
		metrics.ObserveNetworkRequest("mediafetch", "get", target.Host, start, err)
		if err != nil {
			return domain.MediaBlob{}, fmt.Errorf("загрузка медиа: %w", err)
		}

		if resp.StatusCode >= 300 && resp.StatusCode < 400 {
			location := resp.Header.Get("Location")
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			if location == "" {
				return domain.MediaBlob{}, fmt.Errorf("%w: редирект без Location", ErrRefused)
			}
			next, err := target.Parse(location)
			if err != nil {
				return domain.MediaBlob{}, fmt.Errorf("%w: нечитаемый Location", ErrRefused)
			}
			current = next.String()
			continue
		}

		blob, err := f.readBody(resp, rawURL)
		resp.Body.Close()
		return blob, err
	}
	return domain.MediaBlob{}, fmt.Errorf("%w: превышен лимит редиректов (%d)", ErrRefused, maxRedirectHops)
}

func (f *Fetcher) readBody(resp *http.Response, source string) (domain.MediaBlob, error) {
	if resp.StatusCode != http.StatusOK {
		return domain.MediaBlob{}, fmt.Errorf("%w: удалённый сервер ответил %d", ErrRefused, resp.StatusCode)
	}
	contentType := resp.Header.Get("Content-Type")
	if err := checkImageContentType(contentType); err != nil {
		return domain.MediaBlob{}, err
	}
	if resp.ContentLength > f.cfg.MaxBytes {
		return domain.MediaBlob{}, fmt.Errorf("%w: content-length больше %d байт", ErrRefused, f.cfg.MaxBytes)
	}
	// Content-Length может врать: лимит проверяется и по факту чтения.
	data, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBytes+1))
	if err != nil {
		return domain.MediaBlob{}, fmt.Errorf("чтение тела: %w", err)
	}
	if int64(len(data)) > f.cfg.MaxBytes {
		return domain.MediaBlob{}, fmt.Errorf("%w: тело больше %d байт", ErrRefused, f.cfg.MaxBytes)
	}
	return domain.MediaBlob{Data: data, ContentType: contentType, Source: source}, nil
}

// validateURL проверяет один хоп: схема, отсутствие кредов, allow-list
// хостов и публичность всех IP, в которые резолвится хост.
func (f *Fetcher) validateURL(ctx context.Context, rawURL string) (*url.URL, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: нечитаемый URL", ErrRefused)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("%w: схема %q запрещена", ErrRefused, parsed.Scheme)
	}
	if parsed.User != nil {
		return nil, fmt.Errorf("%w: креды в URL запрещены", ErrRefused)
	}
	host := parsed.Hostname()
	if host == "" {
		return nil, fmt.Errorf("%w: пустой хост", ErrRefused)
	}
	if len(f.cfg.AllowedHosts) > 0 && !hostAllowed(host, f.cfg.AllowedHosts) {
		return nil, fmt.Errorf("%w: хост %s вне allow-list", ErrRefused, host)
	}

	var addrs []netip.Addr
	if addr, err := netip.ParseAddr(host); err == nil {
		addrs = []netip.Addr{addr}
	} else {
		addrs, err = f.lookup(ctx, host)
		if err != nil {
			return nil, fmt.Errorf("%w: хост %s не резолвится", ErrRefused, host)
		}
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: хост %s не резолвится", ErrRefused, host)
	}
	for _, addr := range addrs {
		if !addrPublic(addr) {
			return nil, fmt.Errorf("%w: адрес %s не публичный", ErrRefused, addr)
		}
	}
	return parsed, nil
}

func hostAllowed(host string, allowed []string) bool {
	lower := strings.ToLower(host)
	for _, candidate := range allowed {
		candidate = strings.ToLower(strings.TrimSpace(candidate))
		if candidate == "" {
			continue
		}
		if lower == candidate || strings.HasSuffix(lower, "."+candidate) {
			return true
		}
	}
	return false
}

func addrPublic(addr netip.Addr) bool {
	addr = addr.Unmap()
	switch {
	case addr.IsLoopback(), addr.IsPrivate(), addr.IsLinkLocalUnicast(),
		addr.IsLinkLocalMulticast(), addr.IsMulticast(), addr.IsUnspecified():
		return false
	}
	return true
}

func checkImageContentType(contentType string) error {
	base := strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	if !strings.HasPrefix(base, "image/") {
		return fmt.Errorf("%w: content-type %q не изображение", ErrRefused, base)
	}
	if strings.Contains(base, "svg") {
		return fmt.Errorf("%w: svg запрещён", ErrRefused)
	}
	return nil
}

// Cleanup best-effort удаляет локальный файл отменённого поста.
// Ошибка не фатальна: файл мог быть удалён оператором раньше.
func (f *Fetcher) Cleanup(ref string) error {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return nil
	}
	if f.cfg.UploadRoot == "" {
		return nil
	}
	root, err := filepath.Abs(f.cfg.UploadRoot)
	if err != nil {
		return err
	}
	full := filepath.Clean(filepath.Join(root, filepath.FromSlash(strings.TrimPrefix(ref, "upload://"))))
	if full == root || !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return nil
	}
	return os.Remove(full)
}
