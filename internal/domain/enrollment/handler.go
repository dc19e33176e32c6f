package enrollment

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/Kuribo50/Percapita2/internal/platform/auth"
	"github.com/Kuribo50/Percapita2/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – admin, operator, viewer
	readGroup := api.Group("", auth.RequireRole(auth.RoleOperator, auth.RoleViewer))
	readGroup.GET("/cuts/summary", h.PeriodSummaries)
	readGroup.GET("/registrations", h.ListRegistrations)
	readGroup.GET("/validations", h.ListBatches)
	readGroup.GET("/timeline/:identifier", h.Timeline)
	readGroup.GET("/ingestions", h.ListIngestions)
	readGroup.GET("/ingestions/:id/payload", h.IngestionPayload)

	// Write endpoints – admin, operator
	writeGroup := api.Group("", auth.RequireRole(auth.RoleOperator))
	writeGroup.POST("/cuts", h.IngestCut)
	writeGroup.POST("/registrations/import", h.IngestRegistrations)
	writeGroup.POST("/registrations", h.Register)
	writeGroup.PATCH("/registrations/:id/review", h.Review)
	writeGroup.POST("/registrations/validate-batch", h.ValidateMany)
	writeGroup.POST("/patients/import", h.IngestPatients)
	writeGroup.POST("/validations", h.ReconcileBatch)
	writeGroup.POST("/ingestions", h.RecordIngestion)
}

// httpError maps service errors onto status codes.
func httpError(err error) error {
	var status int
	switch {
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrInvalidIdentifier):
		status = http.StatusBadRequest
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrPreconditionNotMet):
		status = http.StatusNotFound
	case errors.Is(err, ErrConcurrencyConflict), errors.Is(err, ErrAlreadyExists):
		status = http.StatusConflict
	default:
		status = http.StatusInternalServerError
	}
	return echo.NewHTTPError(status, err.Error())
}

func actorOf(c echo.Context) string {
	return auth.UserIDFromContext(c.Request().Context())
}

func ingestOptions(c echo.Context, fileName string) IngestOptions {
	replace, _ := strconv.ParseBool(c.QueryParam("replace"))
	return IngestOptions{
		Replace:  replace,
		Actor:    actorOf(c),
		FileName: strings.TrimSpace(fileName),
		ClientIP: c.RealIP(),
	}
}

// -- Bulk loads --

type cutUpload struct {
	FileName string        `json:"file_name"`
	Rows     []SnapshotRow `json:"rows"`
}

type registrationUpload struct {
	FileName string            `json:"file_name"`
	Rows     []RegistrationRow `json:"rows"`
}

type patientUpload struct {
	FileName string       `json:"file_name"`
	Rows     []PatientRow `json:"rows"`
}

func (h *Handler) IngestCut(c echo.Context) error {
	var req cutUpload
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.Rows) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "rows are required")
	}
	out, err := h.svc.IngestSnapshot(c.Request().Context(), req.Rows, ingestOptions(c, req.FileName))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) IngestRegistrations(c echo.Context) error {
	var req registrationUpload
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.Rows) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "rows are required")
	}
	out, err := h.svc.IngestRegistrations(c.Request().Context(), req.Rows, ingestOptions(c, req.FileName))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) IngestPatients(c echo.Context) error {
	var req patientUpload
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	opts := ingestOptions(c, req.FileName)
	if len(req.Rows) == 0 && !opts.Replace {
		return echo.NewHTTPError(http.StatusBadRequest, "rows are required")
	}
	out, err := h.svc.IngestPatientRegistry(c.Request().Context(), req.Rows, opts)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) PeriodSummaries(c echo.Context) error {
	var filter SummaryFilter
	if y := c.QueryParam("year"); y != "" {
		year, err := strconv.Atoi(y)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid year")
		}
		filter.Year = year
	}
	filter.Center = strings.TrimSpace(c.QueryParam("center"))

	out, err := h.svc.PeriodSummaries(c.Request().Context(), filter)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": out})
}

// -- Registrations --

func (h *Handler) Register(c echo.Context) error {
	var row RegistrationRow
	if err := c.Bind(&row); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	reg, err := h.svc.Register(c.Request().Context(), row, actorOf(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, reg)
}

func (h *Handler) ListRegistrations(c echo.Context) error {
	pg := pagination.FromContext(c)
	filter := RegistrationFilter{
		State:  RegistrationState(strings.ToUpper(strings.TrimSpace(c.QueryParam("state")))),
		Search: c.QueryParam("search"),
		Limit:  pg.Limit,
		Offset: pg.Offset,
	}
	if raw := c.QueryParam("period"); raw != "" {
		p, err := ParsePeriod(raw)
		if err != nil {
			return httpError(err)
		}
		filter.Period = &p
	}

	regs, total, stats, err := h.svc.ListRegistrations(c.Request().Context(), filter)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(regs, total, pg.Limit, pg.Offset).WithStats(stats))
}

func (h *Handler) Review(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var review Review
	if err := c.Bind(&review); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	review.State = RegistrationState(strings.ToUpper(strings.TrimSpace(string(review.State))))
	reg, err := h.svc.ReviewRegistration(c.Request().Context(), id, review, actorOf(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, reg)
}

type validateManyRequest struct {
	Candidates []Candidate `json:"candidates"`
}

func (h *Handler) ValidateMany(c echo.Context) error {
	var req validateManyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	results, err := h.svc.ReconcileMany(c.Request().Context(), req.Candidates)
	if err != nil {
		return httpError(err)
	}
	changed := 0
	for _, r := range results {
		if r.Changed {
			changed++
		}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"data":    results,
		"checked": len(results),
		"changed": changed,
	})
}

// -- Validation batches --

type reconcileRequest struct {
	Period       string `json:"period"`
	Year         int    `json:"year"`
	Month        int    `json:"month"`
	SnapshotDate string `json:"snapshot_date"`
}

func (r reconcileRequest) target() (Period, error) {
	if r.Period != "" {
		return ParsePeriod(r.Period)
	}
	return ParsePeriod(strconv.Itoa(r.Year) + "-" + strconv.Itoa(r.Month))
}

func (h *Handler) ReconcileBatch(c echo.Context) error {
	var req reconcileRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	target, err := req.target()
	if err != nil {
		return httpError(err)
	}
	date, ok := parseDate(req.SnapshotDate)
	if !ok {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid snapshot_date")
	}
	batch, err := h.svc.ReconcileBatch(c.Request().Context(), target, date, actorOf(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, batch)
}

func (h *Handler) ListBatches(c echo.Context) error {
	pg := pagination.FromContext(c)
	batches, total, err := h.svc.ListBatches(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(batches, total, pg.Limit, pg.Offset))
}

// -- Timeline --

func (h *Handler) Timeline(c echo.Context) error {
	events, err := h.svc.BuildTimeline(c.Request().Context(), c.Param("identifier"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": events})
}

// -- Load audit --

type ingestionAuditRequest struct {
	Kind            IngestionKind `json:"kind"`
	FileName        string        `json:"file_name"`
	Actor           string        `json:"actor"`
	Period          string        `json:"period"`
	SnapshotDate    string        `json:"snapshot_date"`
	Total           int           `json:"total"`
	Created         int           `json:"created"`
	Updated         int           `json:"updated"`
	Invalid         int           `json:"invalid"`
	ReplaceMode     bool          `json:"replace_mode"`
	Notes           string        `json:"notes"`
	DurationSeconds float64       `json:"duration_seconds"`
	Failure         string        `json:"failure"`
}

func (h *Handler) RecordIngestion(c echo.Context) error {
	var req ingestionAuditRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sum := IngestionSummary{
		Kind:        IngestionKind(strings.ToUpper(strings.TrimSpace(string(req.Kind)))),
		FileName:    req.FileName,
		Actor:       req.Actor,
		Total:       req.Total,
		Created:     req.Created,
		Updated:     req.Updated,
		Invalid:     req.Invalid,
		ReplaceMode: req.ReplaceMode,
		Notes:       req.Notes,
		Duration:    time.Duration(req.DurationSeconds * float64(time.Second)),
		ClientIP:    c.RealIP(),
		Failure:     req.Failure,
	}
	if actor := actorOf(c); actor != "" && sum.Actor == "" {
		sum.Actor = actor
	}
	if req.Period != "" {
		p, err := ParsePeriod(req.Period)
		if err != nil {
			return httpError(err)
		}
		sum.Period = &p
	}
	if req.SnapshotDate != "" {
		d, ok := parseDate(req.SnapshotDate)
		if !ok {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid snapshot_date")
		}
		sum.SnapshotDate = &d
	}

	rec, err := h.svc.RecordIngestionAudit(c.Request().Context(), sum)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, rec)
}

func (h *Handler) ListIngestions(c echo.Context) error {
	filter := IngestionFilter{
		Kind:  IngestionKind(strings.ToUpper(strings.TrimSpace(c.QueryParam("kind")))),
		Actor: strings.TrimSpace(c.QueryParam("actor")),
	}
	if filter.Kind != "" && !filter.Kind.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid kind")
	}
	if raw := c.QueryParam("period"); raw != "" {
		p, err := ParsePeriod(raw)
		if err != nil {
			return httpError(err)
		}
		filter.Period = &p
	}
	if raw := c.QueryParam("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		filter.Limit = limit
	}

	recs, err := h.svc.ListIngestions(c.Request().Context(), filter)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": recs, "count": len(recs)})
}

func (h *Handler) IngestionPayload(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	body, meta, err := h.svc.IngestionPayload(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	defer body.Close()

	contentType := meta.ContentType
	if contentType == "" {
		contentType = echo.MIMEOctetStream
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="`+meta.FileName+`"`)
	return c.Stream(http.StatusOK, contentType, body)
}
