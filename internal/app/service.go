package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"lexreport/api/internal/auth"
	"lexreport/api/internal/blocks"
	"lexreport/api/internal/config"
	"lexreport/api/internal/metrics"
	"lexreport/api/internal/rbac"
	"lexreport/api/internal/store"
	"lexreport/api/internal/util"
)

type Session struct {
	Token     string
	UserID    string
	UserName  string
	UserEmail string
	Role      string
	JTI       string
	ExpiresAt time.Time
}

type SaveSectionInput struct {
	ContentBlocks []blocks.Block `json:"contentBlocks"`
	// BaseUpdatedAt is the version the writer edited; nil overwrites.
	BaseUpdatedAt *time.Time `json:"baseUpdatedAt"`
}

type CreateSectionInput struct {
	Type          string         `json:"type"`
	Title         string         `json:"title"`
	OrderIndex    *int           `json:"orderIndex"`
	ParentID      *string        `json:"parentId"`
	ContentBlocks []blocks.Block `json:"contentBlocks"`
}

type dataStore interface {
	EnsureUser(context.Context, string, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	InsertReport(context.Context, string, string) (store.Report, error)
	GetReport(context.Context, string) (store.Report, error)
	ListSections(context.Context, string) ([]store.Section, error)
	GetSection(context.Context, string) (store.Section, error)
	InsertSection(context.Context, store.Section) (store.Section, error)
	UpdateSectionBlocks(context.Context, string, []blocks.Block, string, *time.Time) (store.Section, error)
	SetSectionLocked(context.Context, string, bool) error
	ReorderSections(context.Context, string, []store.SectionOrder) error
	Ping(context.Context) error
}

type Service struct {
	cfg    config.Config
	store  dataStore
	signer *auth.Signer
	log    zerolog.Logger
	now    func() time.Time
}

func New(cfg config.Config, dataStore dataStore, log zerolog.Logger) *Service {
	s := &Service{
		cfg:   cfg,
		store: dataStore,
		log:   log.With().Str("component", "service").Logger(),
		now:   time.Now,
	}
	s.signer = auth.NewSigner(cfg.JWTSecret, func() time.Time { return s.now() })
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Login(ctx context.Context, name, email string) (Session, error) {
	userName := strings.TrimSpace(name)
	if userName == "" {
		userName = "User"
	}

	user, err := s.store.EnsureUser(ctx, userName, email)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(user)
}

func (s *Service) issueSession(user store.User) (Session, error) {
	expiresAt := s.now().Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := s.signer.Issue(auth.Claims{
		Sub:   user.ID,
		Name:  user.DisplayName,
		Email: user.Email,
		Role:  user.Role,
		JTI:   jti,
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		UserEmail: user.Email,
		Role:      user.Role,
		JTI:       jti,
		ExpiresAt: expiresAt,
	}, nil
}

// SessionFromToken validates token and reloads the user so role changes
// apply without a new login.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := s.signer.Parse(token)
	if err != nil {
		return Session{}, err
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		UserEmail: user.Email,
		Role:      user.Role,
		JTI:       claims.JTI,
		ExpiresAt: claims.ExpiresAt(),
	}, nil
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

func (s *Service) CreateReport(ctx context.Context, session Session, title string) (map[string]any, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}
	report, err := s.store.InsertReport(ctx, title, session.UserID)
	if err != nil {
		return nil, err
	}
	return reportPayload(report), nil
}

func (s *Service) ListSections(ctx context.Context, reportID string) (map[string]any, error) {
	report, err := s.store.GetReport(ctx, reportID)
	if err != nil {
		return nil, err
	}
	sections, err := s.store.ListSections(ctx, reportID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(sections))
	for _, section := range sections {
		items = append(items, sectionPayload(section))
	}
	return map[string]any{
		"report":   reportPayload(report),
		"sections": items,
	}, nil
}

func (s *Service) GetSection(ctx context.Context, sectionID string) (map[string]any, error) {
	section, err := s.store.GetSection(ctx, sectionID)
	if err != nil {
		return nil, err
	}
	return sectionPayload(section), nil
}

func (s *Service) CreateSection(ctx context.Context, session Session, reportID string, input CreateSectionInput) (map[string]any, error) {
	if _, err := s.store.GetReport(ctx, reportID); err != nil {
		return nil, err
	}
	if err := validateBlocks(input.ContentBlocks); err != nil {
		return nil, err
	}
	orderIndex := -1
	if input.OrderIndex != nil {
		if *input.OrderIndex < 0 {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "orderIndex must be >= 0", nil)
		}
		orderIndex = *input.OrderIndex
	}

	section, err := s.store.InsertSection(ctx, store.Section{
		ReportID:      reportID,
		Type:          strings.TrimSpace(input.Type),
		Title:         strings.TrimSpace(input.Title),
		OrderIndex:    orderIndex,
		ParentID:      input.ParentID,
		ContentBlocks: blocks.Sorted(input.ContentBlocks),
		UpdatedBy:     session.UserID,
	})
	if err != nil {
		return nil, err
	}
	return sectionPayload(section), nil
}

// SaveSection persists a section's block list. The database announces the
// write, and the relay carries it to live sessions.
func (s *Service) SaveSection(ctx context.Context, session Session, sectionID string, input SaveSectionInput) (map[string]any, error) {
	if input.ContentBlocks == nil {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "contentBlocks is required", nil)
	}
	if err := validateBlocks(input.ContentBlocks); err != nil {
		return nil, err
	}

	section, err := s.store.UpdateSectionBlocks(ctx, sectionID, blocks.Sorted(input.ContentBlocks), session.UserID, input.BaseUpdatedAt)
	switch {
	case errors.Is(err, store.ErrSectionLocked):
		metrics.SectionWrites.WithLabelValues("locked").Inc()
		return nil, errSectionLocked(sectionPayload(section))
	case errors.Is(err, store.ErrStaleWrite):
		metrics.SectionWrites.WithLabelValues("stale").Inc()
		return nil, errStaleWrite(sectionPayload(section))
	case err != nil:
		metrics.SectionWrites.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.SectionWrites.WithLabelValues("ok").Inc()

	s.log.Debug().Str("section_id", section.ID).Str("user_id", session.UserID).Int("blocks", len(section.ContentBlocks)).Msg("section saved")
	return map[string]any{
		"section":       sectionPayload(section),
		"contentBlocks": section.ContentBlocks,
		"userId":        session.UserID,
		"timestamp":     section.UpdatedAt.UnixMilli(),
	}, nil
}

func (s *Service) SetSectionLocked(ctx context.Context, sectionID string, locked bool) (map[string]any, error) {
	if err := s.store.SetSectionLocked(ctx, sectionID, locked); err != nil {
		return nil, err
	}
	return s.GetSection(ctx, sectionID)
}

func (s *Service) ReorderSections(ctx context.Context, reportID string, order []store.SectionOrder) (map[string]any, error) {
	if len(order) == 0 {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "sectionOrders is required", nil)
	}
	seen := make(map[string]struct{}, len(order))
	for _, item := range order {
		if strings.TrimSpace(item.ID) == "" || item.OrderIndex < 0 {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "each section order needs an id and a non-negative orderIndex", nil)
		}
		if _, dup := seen[item.ID]; dup {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", fmt.Sprintf("section %s listed twice", item.ID), nil)
		}
		seen[item.ID] = struct{}{}
	}

	if err := s.store.ReorderSections(ctx, reportID, order); err != nil {
		return nil, err
	}
	return s.ListSections(ctx, reportID)
}

func validateBlocks(list []blocks.Block) error {
	seen := make(map[string]struct{}, len(list))
	for _, block := range list {
		if strings.TrimSpace(block.ID) == "" {
			return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "every block needs an id", nil)
		}
		if _, dup := seen[block.ID]; dup {
			return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", fmt.Sprintf("duplicate block id %s", block.ID), nil)
		}
		seen[block.ID] = struct{}{}
	}
	return nil
}

func reportPayload(report store.Report) map[string]any {
	return map[string]any{
		"id":        report.ID,
		"title":     report.Title,
		"createdBy": report.CreatedBy,
		"published": report.Published,
		"createdAt": report.CreatedAt,
		"updatedAt": report.UpdatedAt,
	}
}

func sectionPayload(section store.Section) map[string]any {
	list := section.ContentBlocks
	if list == nil {
		list = []blocks.Block{}
	}
	return map[string]any{
		"id":            section.ID,
		"reportId":      section.ReportID,
		"type":          section.Type,
		"title":         section.Title,
		"orderIndex":    section.OrderIndex,
		"parentId":      section.ParentID,
		"contentBlocks": list,
		"locked":        section.Locked,
		"updatedBy":     section.UpdatedBy,
		"updatedAt":     section.UpdatedAt,
	}
}
