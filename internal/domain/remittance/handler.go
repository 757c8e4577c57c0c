package remittance

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/klauspost/pgzip"
	"github.com/labstack/echo/v4"

	"github.com/serenity/erp/internal/platform/auth"
	"github.com/serenity/erp/internal/platform/blobstore"
	"github.com/serenity/erp/pkg/pagination"
)

// DefaultMaxContent caps a decoded 835 body when no limit is configured.
const DefaultMaxContent int64 = 20 << 20

type Handler struct {
	svc        *Service
	maxContent int64
}

// NewHandler builds the remittance routes. maxContent bounds the decoded
// request body, after any gzip inflation; zero or less uses DefaultMaxContent.
func NewHandler(svc *Service, maxContent int64) *Handler {
	if maxContent <= 0 {
		maxContent = DefaultMaxContent
	}
	return &Handler{svc: svc, maxContent: maxContent}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/remittance", auth.RequireOrganization(), auth.RequireRole("admin", "billing"))

	// Reads
	g.GET("", h.ListRemittances)
	g.GET("/stats", h.GetStats)
	g.GET("/:id", h.GetRemittance)
	g.GET("/:id/details", h.ListDetails)
	g.GET("/:id/raw", h.GetRawContent)

	// Writes
	g.POST("", h.CreateRemittance)
	g.POST("/:id/parse", h.ParseRemittance)
	g.POST("/:id/auto-post", h.AutoPost)
	g.POST("/details/:detailId/manual-post", h.ManualPost)
}

func organizationID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(auth.OrganizationFromContext(c.Request().Context()))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusForbidden, "invalid organization scope")
	}
	return id, nil
}

func pathID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

// httpError maps service errors onto HTTP status codes.
func httpError(err error) error {
	var parseErr *ParseError
	switch {
	case errors.As(err, &parseErr):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrDetailNotFound), errors.Is(err, ErrClaimLineNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrDuplicateRemittance), errors.Is(err, ErrAlreadyParsed), errors.Is(err, ErrNotParsed),
		errors.Is(err, ErrPostingConflict), errors.Is(err, ErrManualPostConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidInput):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error()).SetInternal(err)
	}
}

func (h *Handler) CreateRemittance(c echo.Context) error {
	orgID, err := organizationID(c)
	if err != nil {
		return err
	}
	var in CreateInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	m, err := h.svc.CreateRemittance(ctx, orgID, auth.UserIDFromContext(ctx), in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, m)
}

func (h *Handler) ListRemittances(c echo.Context) error {
	orgID, err := organizationID(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	f := ListFilter{
		Status:  Status(c.QueryParam("status")),
		PayerID: c.QueryParam("payer_id"),
		Limit:   pg.Limit,
		Offset:  pg.Offset,
	}
	items, total, err := h.svc.ListRemittances(c.Request().Context(), orgID, f)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*Remittance{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetRemittance(c echo.Context) error {
	orgID, err := organizationID(c)
	if err != nil {
		return err
	}
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	m, err := h.svc.GetRemittance(c.Request().Context(), orgID, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, m)
}

func (h *Handler) GetRawContent(c echo.Context) error {
	orgID, err := organizationID(c)
	if err != nil {
		return err
	}
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	data, err := h.svc.RawContent(c.Request().Context(), orgID, id)
	if err != nil {
		return httpError(err)
	}
	return c.Blob(http.StatusOK, blobstore.ContentTypeERA, data)
}

func (h *Handler) ListDetails(c echo.Context) error {
	orgID, err := organizationID(c)
	if err != nil {
		return err
	}
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	items, err := h.svc.ListDetails(c.Request().Context(), orgID, id, PostingStatus(c.QueryParam("posting_status")))
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*ClaimDetail{}
	}
	return c.JSON(http.StatusOK, items)
}

// ParseRemittance accepts the raw 835 text as the body, or JSON
// {"content": "..."}. Gzip bodies are decompressed. An empty body parses the
// content stored when the remittance was created.
func (h *Handler) ParseRemittance(c echo.Context) error {
	orgID, err := organizationID(c)
	if err != nil {
		return err
	}
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	content, err := h.readContent(c)
	if err != nil {
		return err
	}

	res, err := h.svc.Parse(c.Request().Context(), orgID, id, content)
	if err != nil {
		var parseErr *ParseError
		if errors.As(err, &parseErr) {
			return c.JSON(http.StatusUnprocessableEntity, &ParseResult{Success: false, Error: parseErr.Msg})
		}
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) readContent(c echo.Context) (string, error) {
	req := c.Request()
	if req.Body == nil || req.Body == http.NoBody {
		return "", nil
	}

	var body io.Reader = req.Body
	if strings.EqualFold(req.Header.Get(echo.HeaderContentEncoding), "gzip") {
		zr, err := pgzip.NewReader(req.Body)
		if err != nil {
			return "", echo.NewHTTPError(http.StatusBadRequest, "invalid gzip body")
		}
		defer zr.Close()
		body = zr
	}

	raw, err := io.ReadAll(io.LimitReader(body, h.maxContent+1))
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return "", he
		}
		return "", echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("read body: %v", err))
	}
	if int64(len(raw)) > h.maxContent {
		return "", echo.NewHTTPError(http.StatusRequestEntityTooLarge,
			fmt.Sprintf("remittance content exceeds %d bytes", h.maxContent))
	}

	if strings.HasPrefix(req.Header.Get(echo.HeaderContentType), echo.MIMEApplicationJSON) {
		var payload struct {
			Content string `json:"content"`
		}
		if len(raw) == 0 {
			return "", nil
		}
		if err := json.Unmarshal(raw, &payload); err != nil {
			return "", echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
		}
		return payload.Content, nil
	}
	return string(raw), nil
}

func (h *Handler) AutoPost(c echo.Context) error {
	orgID, err := organizationID(c)
	if err != nil {
		return err
	}
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	retry, _ := strconv.ParseBool(c.QueryParam("retry_errors"))

	ctx := c.Request().Context()
	res, err := h.svc.AutoPost(ctx, orgID, id, auth.UserIDFromContext(ctx), retry)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) ManualPost(c echo.Context) error {
	orgID, err := organizationID(c)
	if err != nil {
		return err
	}
	detailID, err := pathID(c, "detailId")
	if err != nil {
		return err
	}
	var in ManualPostInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx := c.Request().Context()
	d, err := h.svc.ManualPost(ctx, orgID, detailID, in, auth.UserIDFromContext(ctx))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) GetStats(c echo.Context) error {
	orgID, err := organizationID(c)
	if err != nil {
		return err
	}
	days := 0
	if v := c.QueryParam("days"); v != "" {
		days, err = strconv.Atoi(v)
		if err != nil || days <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "days must be a positive integer")
		}
	}
	st, err := h.svc.Stats(c.Request().Context(), orgID, days)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, st)
}
