// Package seed はYAMLフィクスチャからプリンシパルと課題を投入する。
// 同じフィクスチャを何度適用しても結果は変わらない。
package seed

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/hitoshi/issuedesk/internal/auth"
	"github.com/hitoshi/issuedesk/internal/issue"
	"github.com/hitoshi/issuedesk/internal/model"
	"github.com/hitoshi/issuedesk/internal/repository"
)

// refPrefix はシード由来の課題に付けるExternalRefの接頭辞。
const refPrefix = "seed:"

// Fixture はシードファイルの内容。
type Fixture struct {
	Principals []PrincipalFixture `yaml:"principals"`
	Issues     []IssueFixture     `yaml:"issues"`
}

// PrincipalFixture はプリンシパル1件の定義。
type PrincipalFixture struct {
	Email    string `yaml:"email"`
	Name     string `yaml:"name"`
	Role     string `yaml:"role"`
	Password string `yaml:"password"`
}

// IssueFixture は課題1件の定義。Refはフィクスチャ内で一意な識別子。
type IssueFixture struct {
	Ref         string `yaml:"ref"`
	Title       string `yaml:"title"`
	Description string `yaml:"description"`
	Severity    string `yaml:"severity"`
	Reporter    string `yaml:"reporter"` // 起票者のメールアドレス
}

// Result は適用結果の件数。
type Result struct {
	PrincipalsCreated int
	RolesUpdated      int
	IssuesCreated     int
	IssuesSkipped     int
}

// IssueCreator は課題作成のインターフェース。issue.Serviceが満たす。
type IssueCreator interface {
	Create(ctx context.Context, sess *model.Session, in issue.CreateInput) (*model.Issue, error)
}

// RefFinder はExternalRefで既存の課題を探す。
type RefFinder interface {
	FindByExternalRef(ctx context.Context, ref string) (*model.Issue, error)
}

// Load はYAMLを読み込み、内容を検証する。未知のキーはエラーになる。
func Load(r io.Reader) (*Fixture, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f Fixture
	if err := dec.Decode(&f); err != nil {
		if err == io.EOF {
			return &f, nil
		}
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *Fixture) validate() error {
	emails := make(map[string]bool, len(f.Principals))
	for i, p := range f.Principals {
		email := auth.NormalizeEmail(p.Email)
		if email == "" {
			return fmt.Errorf("principals[%d]: email is required", i)
		}
		if emails[email] {
			return fmt.Errorf("principals[%d]: duplicate email %s", i, email)
		}
		emails[email] = true
		if !model.Role(strings.ToUpper(p.Role)).Valid() {
			return fmt.Errorf("principals[%d]: unknown role %q", i, p.Role)
		}
		if p.Password == "" {
			return fmt.Errorf("principals[%d]: password is required", i)
		}
		if len(p.Password) > auth.MaxPasswordBytes {
			return fmt.Errorf("principals[%d]: password must be at most %d bytes", i, auth.MaxPasswordBytes)
		}
	}

	refs := make(map[string]bool, len(f.Issues))
	for i, is := range f.Issues {
		if is.Ref == "" {
			return fmt.Errorf("issues[%d]: ref is required", i)
		}
		if refs[is.Ref] {
			return fmt.Errorf("issues[%d]: duplicate ref %s", i, is.Ref)
		}
		refs[is.Ref] = true
		if is.Reporter == "" {
			return fmt.Errorf("issues[%d]: reporter is required", i)
		}
	}
	return nil
}

// Seeder はフィクスチャをストレージに適用する。
type Seeder struct {
	principals repository.PrincipalRepository
	issues     IssueCreator
	refs       RefFinder
	bcryptCost int
	logger     *slog.Logger
	now        func() time.Time
}

// NewSeeder はSeederを生成する。
func NewSeeder(principals repository.PrincipalRepository, issues IssueCreator, refs RefFinder, bcryptCost int, logger *slog.Logger) *Seeder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Seeder{
		principals: principals,
		issues:     issues,
		refs:       refs,
		bcryptCost: bcryptCost,
		logger:     logger,
		now:        time.Now,
	}
}

// Apply はプリンシパル、課題の順に投入する。
// 既存のプリンシパルはロールのみ更新し、パスワードは変更しない。
// 既に投入済みの課題（同じref）はスキップする。
func (s *Seeder) Apply(ctx context.Context, f *Fixture) (*Result, error) {
	res := &Result{}
	for _, p := range f.Principals {
		if err := s.applyPrincipal(ctx, p, res); err != nil {
			return res, err
		}
	}
	for _, is := range f.Issues {
		if err := s.applyIssue(ctx, is, res); err != nil {
			return res, err
		}
	}

	s.logger.Info("seed applied",
		slog.Int("principals_created", res.PrincipalsCreated),
		slog.Int("roles_updated", res.RolesUpdated),
		slog.Int("issues_created", res.IssuesCreated),
		slog.Int("issues_skipped", res.IssuesSkipped),
	)
	return res, nil
}

func (s *Seeder) applyPrincipal(ctx context.Context, p PrincipalFixture, res *Result) error {
	email := auth.NormalizeEmail(p.Email)
	role := model.Role(strings.ToUpper(p.Role))
	now := s.now().UTC()

	existing, err := s.principals.FindByEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("failed to find principal %s: %w", email, err)
	}
	if existing != nil {
		if existing.Role == role {
			return nil
		}
		if err := s.principals.UpdateRole(ctx, existing.ID, role, now); err != nil {
			return fmt.Errorf("failed to update role of %s: %w", email, err)
		}
		res.RolesUpdated++
		return nil
	}

	hash, err := auth.HashPassword(p.Password, s.bcryptCost)
	if err != nil {
		return fmt.Errorf("failed to hash password of %s: %w", email, err)
	}
	name := strings.TrimSpace(p.Name)
	if name == "" {
		name = email
	}
	principal := &model.Principal{
		ID:           newID(),
		Email:        email,
		Name:         name,
		Role:         role,
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.principals.Create(ctx, principal); err != nil {
		return fmt.Errorf("failed to create principal %s: %w", email, err)
	}
	res.PrincipalsCreated++
	return nil
}

func (s *Seeder) applyIssue(ctx context.Context, is IssueFixture, res *Result) error {
	ref := refPrefix + is.Ref
	existing, err := s.refs.FindByExternalRef(ctx, ref)
	if err != nil {
		return fmt.Errorf("failed to find issue %s: %w", is.Ref, err)
	}
	if existing != nil {
		res.IssuesSkipped++
		return nil
	}

	reporter, err := s.principals.FindByEmail(ctx, auth.NormalizeEmail(is.Reporter))
	if err != nil {
		return fmt.Errorf("failed to find reporter of %s: %w", is.Ref, err)
	}
	if reporter == nil {
		return fmt.Errorf("issue %s: reporter %s does not exist", is.Ref, is.Reporter)
	}

	// 起票者として操作するための短命なセッション。保存はしない。
	now := s.now()
	sess := &model.Session{
		ID:          "seed",
		PrincipalID: reporter.ID,
		Role:        reporter.Role,
		CreatedAt:   now,
		ExpiresAt:   now.Add(time.Minute),
	}
	if _, err := s.issues.Create(ctx, sess, issue.CreateInput{
		Title:       is.Title,
		Description: is.Description,
		Severity:    model.Severity(strings.ToUpper(is.Severity)),
		ExternalRef: ref,
	}); err != nil {
		return fmt.Errorf("failed to create issue %s: %w", is.Ref, err)
	}
	res.IssuesCreated++
	return nil
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
