// Package importer はRSS/Atomフィードのエントリを課題として取り込む。
package importer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"github.com/mmcdole/gofeed"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hitoshi/issuedesk/internal/auth"
	"github.com/hitoshi/issuedesk/internal/issue"
	"github.com/hitoshi/issuedesk/internal/metrics"
	"github.com/hitoshi/issuedesk/internal/model"
	"github.com/hitoshi/issuedesk/internal/policy"
	"github.com/hitoshi/issuedesk/internal/repository"
	"github.com/hitoshi/issuedesk/internal/security"
	"github.com/hitoshi/issuedesk/internal/telemetry"
)

var tracer = telemetry.Tracer("importer")

// SSRFValidator はSSRF検証のインターフェース。
// security.SSRFGuardServiceを満たす。
type SSRFValidator interface {
	ValidateURL(rawURL string) error
	NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client
}

// IssueCreator は課題作成のインターフェース。issue.Serviceを満たす。
type IssueCreator interface {
	Create(ctx context.Context, sess *model.Session, in issue.CreateInput) (*model.Issue, error)
}

// RefFinder はインポート元識別子で既存の課題を探す。
type RefFinder interface {
	FindByExternalRef(ctx context.Context, ref string) (*model.Issue, error)
}

// TextSanitizer はフィード由来のテキストからタグを除去する。
type TextSanitizer interface {
	StripTags(rawHTML string) string
}

// Config はインポートの設定。
type Config struct {
	Timeout    time.Duration // 1回のHTTP取得のタイムアウト
	MaxSize    int64         // レスポンス本文の上限バイト数
	MaxEntries int           // 1回の取り込みで処理する最大エントリ数
	UserAgent  string

	Retries       int           // 一時的な取得失敗の再試行回数。0なら再試行しない
	RetryInterval time.Duration // 初回の再試行までの待ち時間
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxSize <= 0 {
		c.MaxSize = 5 * 1024 * 1024
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = 100
	}
	if c.UserAgent == "" {
		c.UserAgent = "issuedesk-importer/1.0"
	}
	if c.Retries < 0 {
		c.Retries = 0
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 500 * time.Millisecond
	}
	return c
}

// Input は取り込み要求。
type Input struct {
	URL      string         // フィードまたはフィードを参照するHTMLページのURL
	Severity model.Severity // 作成する課題の重要度。空の場合はMEDIUM
}

// Result は取り込み結果。
type Result struct {
	FeedURL string
	Created []*model.Issue
	Skipped int // 識別子なし・取り込み済み・検証エラーのエントリ数
}

// Importer はフィードのエントリを課題に変換して作成する。
type Importer struct {
	issues    IssueCreator
	refs      RefFinder
	guard     SSRFValidator
	sanitizer TextSanitizer
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
	config    Config
	now       func() time.Time
}

// New はImporterを生成する。
func New(
	issues IssueCreator,
	refs RefFinder,
	guard SSRFValidator,
	sanitizer TextSanitizer,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	config Config,
) *Importer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Importer{
		issues:    issues,
		refs:      refs,
		guard:     guard,
		sanitizer: sanitizer,
		metrics:   metrics.OrNop(collector),
		logger:    logger,
		config:    config.withDefaults(),
		now:       time.Now,
	}
}

// Import はURLからフィードを取得し、未取り込みのエントリをOPENの課題として作成する。
// HTMLページが指定された場合はheadのフィードリンクを辿る。
// 起票者は呼び出し元のプリンシパルになる。
func (im *Importer) Import(ctx context.Context, sess *model.Session, in Input) (*Result, error) {
	ctx, span := tracer.Start(ctx, "importer.Import", trace.WithAttributes(attribute.String("import.url", in.URL)))
	defer span.End()

	result, err := im.importFeed(ctx, sess, in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("import.created", len(result.Created)),
		attribute.Int("import.skipped", result.Skipped),
	)
	return result, nil
}

func (im *Importer) importFeed(ctx context.Context, sess *model.Session, in Input) (*Result, error) {
	start := im.now()
	if err := auth.Check(sess, start); err != nil {
		return nil, err
	}
	if !policy.CanPerform(sess.Role, policy.ImportIssues, nil) {
		return nil, model.NewForbiddenError()
	}

	rawURL := strings.TrimSpace(in.URL)
	if rawURL == "" {
		return nil, model.NewValidationError("URL is required")
	}
	severity := in.Severity
	if severity == "" {
		severity = model.SeverityMedium
	}
	if !severity.Valid() {
		return nil, model.NewValidationError(fmt.Sprintf("Invalid severity: %s", severity))
	}

	feedURL, body, err := im.resolveFeed(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	parsed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		im.logger.Warn("feed parse failed", slog.String("feed_url", feedURL), slog.String("error", err.Error()))
		return nil, model.NewValidationError("The feed could not be parsed")
	}

	result := &Result{FeedURL: feedURL, Created: []*model.Issue{}}
	for i, item := range parsed.Items {
		if i >= im.config.MaxEntries {
			result.Skipped += len(parsed.Items) - i
			break
		}
		created, err := im.importItem(ctx, sess, item, severity)
		if err != nil {
			return nil, err
		}
		if created == nil {
			result.Skipped++
			continue
		}
		result.Created = append(result.Created, created)
	}

	duration := im.now().Sub(start)
	im.metrics.RecordIssuesImported(len(result.Created))
	im.metrics.RecordImportLatency(duration)
	im.logger.Info("feed imported",
		slog.String("feed_url", feedURL),
		slog.String("principal_id", sess.PrincipalID),
		slog.Int("created", len(result.Created)),
		slog.Int("skipped", result.Skipped),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)
	return result, nil
}

// importItem は1エントリを課題にする。取り込み対象外の場合はnil, nilを返す。
func (im *Importer) importItem(ctx context.Context, sess *model.Session, item *gofeed.Item, severity model.Severity) (*model.Issue, error) {
	if item == nil {
		return nil, nil
	}
	ref := strings.TrimSpace(item.GUID)
	if ref == "" {
		ref = strings.TrimSpace(item.Link)
	}
	if ref == "" {
		return nil, nil
	}

	existing, err := im.refs.FindByExternalRef(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to look up imported issue: %w", err)
	}
	if existing != nil {
		return nil, nil
	}

	title := im.sanitizer.StripTags(item.Title)
	if title == "" {
		title = item.Link
	}
	title = truncateRunes(title, issue.MaxTitleLength)

	created, err := im.issues.Create(ctx, sess, issue.CreateInput{
		Title:       title,
		Description: description(item),
		Severity:    severity,
		ExternalRef: ref,
	})
	switch {
	case err == nil:
		return created, nil
	case errors.Is(err, repository.ErrDuplicate):
		// 同時に取り込まれた
		return nil, nil
	case errors.Is(err, model.ErrValidation):
		im.logger.Warn("feed entry skipped", slog.String("ref", ref), slog.String("error", err.Error()))
		return nil, nil
	default:
		return nil, err
	}
}

// resolveFeed はURLを取得し、HTMLであればフィードリンクを辿ってフィード本文を返す。
func (im *Importer) resolveFeed(ctx context.Context, rawURL string) (string, []byte, error) {
	contentType, body, err := im.fetch(ctx, rawURL)
	if err != nil {
		return "", nil, err
	}
	if IsDirectFeed(contentType, body) {
		return rawURL, body, nil
	}
	if !isHTML(contentType) {
		return "", nil, model.NewValidationError("No RSS or Atom feed was found at the URL")
	}

	link := SelectFeed(ParseFeedLinks(body, rawURL), rawURL)
	if link == nil {
		return "", nil, model.NewValidationError("No RSS or Atom feed was found at the URL")
	}
	contentType, body, err = im.fetch(ctx, link.URL)
	if err != nil {
		return "", nil, err
	}
	if !IsDirectFeed(contentType, body) {
		return "", nil, model.NewValidationError("No RSS or Atom feed was found at the URL")
	}
	return link.URL, body, nil
}

// fetch はSSRF検証のうえURLを取得し、Content-Typeと本文を返す。
// 接続エラー・429・5xxはConfig.Retries回まで指数バックオフで再試行する。
func (im *Importer) fetch(ctx context.Context, rawURL string) (string, []byte, error) {
	if err := im.guard.ValidateURL(rawURL); err != nil {
		im.logger.Warn("import URL rejected", slog.String("url", rawURL), slog.String("error", err.Error()))
		return "", nil, model.NewValidationError("The URL is not allowed")
	}
	client := im.guard.NewSafeClient(im.config.Timeout, im.config.MaxSize)

	var contentType string
	var body []byte
	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		var err error
		contentType, body, err = im.fetchOnce(ctx, client, rawURL)
		return err
	}, im.retryPolicy(ctx), func(err error, wait time.Duration) {
		im.logger.Warn("import fetch failed, retrying",
			slog.String("url", rawURL),
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()),
		)
		trace.SpanFromContext(ctx).AddEvent("fetch retry", trace.WithAttributes(
			attribute.Int("attempt", attempt),
			attribute.String("error", err.Error()),
		))
	})
	if err != nil {
		var apiErr *model.APIError
		if errors.As(err, &apiErr) {
			return "", nil, apiErr
		}
		return "", nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	return contentType, body, nil
}

// retryPolicy は1回のfetchで使うバックオフを返す。BackOffは状態を持つため毎回生成する。
func (im *Importer) retryPolicy(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = im.config.RetryInterval
	b.MaxElapsedTime = im.config.Timeout
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(im.config.Retries)), ctx)
}

// fetchOnce は1回だけ取得する。再試行しても結果が変わらない失敗はbackoff.Permanentで包む。
func (im *Importer) fetchOnce(ctx context.Context, client *http.Client, rawURL string) (string, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", nil, backoff.Permanent(model.NewValidationError("The URL is invalid"))
	}
	req.Header.Set("User-Agent", im.config.UserAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml, text/html;q=0.9, */*;q=0.1")

	resp, err := client.Do(req)
	if errors.Is(err, security.ErrResponseTooLarge) {
		return "", nil, backoff.Permanent(model.NewValidationError("The response is too large"))
	}
	if err != nil {
		im.logger.Warn("import fetch failed", slog.String("url", rawURL), slog.String("error", err.Error()))
		return "", nil, model.NewValidationError("The URL could not be fetched")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		im.logger.Warn("import fetch returned non-OK status",
			slog.String("url", rawURL),
			slog.Int("http_status", resp.StatusCode),
		)
		apiErr := model.NewValidationError(fmt.Sprintf("The URL returned HTTP %d", resp.StatusCode))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return "", nil, apiErr
		}
		return "", nil, backoff.Permanent(apiErr)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, im.config.MaxSize+1))
	if errors.Is(err, security.ErrResponseTooLarge) {
		return "", nil, backoff.Permanent(model.NewValidationError("The response is too large"))
	}
	if err != nil {
		return "", nil, model.NewValidationError("The response could not be read")
	}
	if int64(len(body)) > im.config.MaxSize {
		return "", nil, backoff.Permanent(model.NewValidationError("The response is too large"))
	}
	return resp.Header.Get("Content-Type"), body, nil
}

// description はエントリ本文に元記事へのリンクを添える。サニタイズは課題作成時に行う。
func description(item *gofeed.Item) string {
	text := item.Content
	if strings.TrimSpace(text) == "" {
		text = item.Description
	}
	if item.Link == "" {
		return text
	}
	link := html.EscapeString(item.Link)
	return fmt.Sprintf(`%s<p>Source: <a href="%s">%s</a></p>`, text, link, link)
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
