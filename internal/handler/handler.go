package handler

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"expenseexport/internal/model"
	"expenseexport/internal/repository"
	"expenseexport/internal/service"
	"expenseexport/pkg/apperr"
	"expenseexport/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	actorHeader  = "X-Actor"
	defaultActor = "system"
	dateLayout   = "2006-01-02"
	periodLayout = "2006-01"
	xlsxMIME     = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// Handler exposes the export pipeline over HTTP.
type Handler struct {
	svc *service.Services
	log *zap.Logger
}

func NewHandler(svc *service.Services, log *zap.Logger) *Handler {
	return &Handler{svc: svc, log: log}
}

// actor identifies the caller for the audit trail. Authentication happens
// in front of this service.
func actor(c *gin.Context) string {
	if a := c.GetHeader(actorHeader); a != "" {
		return a
	}
	return defaultActor
}

func batchID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		response.ParamError(c, "invalid batch id")
		return 0, false
	}
	return id, true
}

func (h *Handler) fail(c *gin.Context, err error) {
	if apperr.KindOf(err) == "" {
		h.log.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
	}
	response.Fail(c, err)
}

// batchView adds the derived display status to a batch.
type batchView struct {
	*model.ExportBatch
	DisplayStatus string `json:"display_status"`
}

func viewOf(b *model.ExportBatch) batchView {
	return batchView{ExportBatch: b, DisplayStatus: b.DisplayStatus()}
}

// ============================================================
// Batches
// ============================================================

type CreateBatchRequest struct {
	ExportType  string `json:"export_type" binding:"required"`
	PeriodStart string `json:"period_start" binding:"required"` // YYYY-MM-DD
	PeriodEnd   string `json:"period_end" binding:"required"`   // YYYY-MM-DD, inclusive
	EntityID    string `json:"entity_id"`
	CostCentre  string `json:"cost_centre"`
}

// CreateBatch opens a draft batch.
// POST /api/v1/batches
func (h *Handler) CreateBatch(c *gin.Context) {
	var req CreateBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}
	start, err := time.Parse(dateLayout, req.PeriodStart)
	if err != nil {
		response.ParamError(c, "period_start must be YYYY-MM-DD")
		return
	}
	end, err := time.Parse(dateLayout, req.PeriodEnd)
	if err != nil {
		response.ParamError(c, "period_end must be YYYY-MM-DD")
		return
	}

	batch, err := h.svc.Batches.CreateBatch(c.Request.Context(), &service.CreateBatchRequest{
		ExportType:  model.ExportType(req.ExportType),
		PeriodStart: start,
		PeriodEnd:   end,
		EntityID:    req.EntityID,
		CostCentre:  req.CostCentre,
	}, actor(c))
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, viewOf(batch))
}

// GetBatch returns one batch.
// GET /api/v1/batches/:id
func (h *Handler) GetBatch(c *gin.Context) {
	id, ok := batchID(c)
	if !ok {
		return
	}
	batch, err := h.svc.Batches.GetBatch(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, viewOf(batch))
}

// ListBatches pages through batches, newest first.
// GET /api/v1/batches?export_type=&status=&page=1&page_size=20
func (h *Handler) ListBatches(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	page, pageSize = service.PageBounds(page, pageSize)
	filter := repository.BatchFilter{
		ExportType: model.ExportType(c.Query("export_type")),
		Status:     model.BatchStatus(c.Query("status")),
	}

	batches, total, err := h.svc.Batches.ListBatches(c.Request.Context(), filter, page, pageSize)
	if err != nil {
		h.fail(c, err)
		return
	}

	list := make([]batchView, len(batches))
	for i, b := range batches {
		list[i] = viewOf(b)
	}
	response.Success(c, gin.H{
		"list":      list,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// DeleteBatch removes a draft batch.
// DELETE /api/v1/batches/:id
func (h *Handler) DeleteBatch(c *gin.Context) {
	id, ok := batchID(c)
	if !ok {
		return
	}
	if err := h.svc.Batches.DeleteBatch(c.Request.Context(), id, actor(c)); err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, gin.H{})
}

// ListRecords returns the records of a batch.
// GET /api/v1/batches/:id/records?status=
func (h *Handler) ListRecords(c *gin.Context) {
	id, ok := batchID(c)
	if !ok {
		return
	}
	records, err := h.svc.Batches.ListRecords(c.Request.Context(), id, model.RecordStatus(c.Query("status")))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, records)
}

// ListAudit returns the audit trail of a batch.
// GET /api/v1/batches/:id/audit
func (h *Handler) ListAudit(c *gin.Context) {
	id, ok := batchID(c)
	if !ok {
		return
	}
	entries, err := h.svc.Batches.ListAudit(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, entries)
}

// ============================================================
// Pipeline stages
// ============================================================

// PullRecords materialises export records from the source tables.
// POST /api/v1/batches/:id/pull
func (h *Handler) PullRecords(c *gin.Context) {
	id, ok := batchID(c)
	if !ok {
		return
	}
	result, err := h.svc.Puller.PullRecords(c.Request.Context(), id, actor(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, result)
}

// Validate runs the rule set. Record failures are part of the response,
// not an error.
// POST /api/v1/batches/:id/validate
func (h *Handler) Validate(c *gin.Context) {
	id, ok := batchID(c)
	if !ok {
		return
	}
	result, err := h.svc.Validator.Validate(c.Request.Context(), id, actor(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, result)
}

// Export renders the artifact of a validated batch.
// POST /api/v1/batches/:id/export
func (h *Handler) Export(c *gin.Context) {
	id, ok := batchID(c)
	if !ok {
		return
	}
	result, err := h.svc.Exporter.Export(c.Request.Context(), id, actor(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, result)
}

// ReExport renders the artifact again with the same export keys.
// POST /api/v1/batches/:id/re-export
func (h *Handler) ReExport(c *gin.Context) {
	id, ok := batchID(c)
	if !ok {
		return
	}
	result, err := h.svc.Exporter.ReExport(c.Request.Context(), id, actor(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, result)
}

// Workbook downloads the exported rows as xlsx.
// GET /api/v1/batches/:id/workbook
func (h *Handler) Workbook(c *gin.Context) {
	id, ok := batchID(c)
	if !ok {
		return
	}
	name, content, err := h.svc.Exporter.Workbook(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	c.Data(http.StatusOK, xlsxMIME, content)
}

// ============================================================
// Record decisions
// ============================================================

type RecordIDsRequest struct {
	RecordIDs []int64 `json:"record_ids" binding:"required,min=1"`
}

// DeferRecords detaches records so a later batch can pick them up.
// POST /api/v1/batches/:id/defer
func (h *Handler) DeferRecords(c *gin.Context) {
	id, ok := batchID(c)
	if !ok {
		return
	}
	var req RecordIDsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}
	if err := h.svc.Batches.DeferRecords(c.Request.Context(), id, req.RecordIDs, actor(c)); err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, gin.H{})
}

// RetryRecords returns failed records to pending.
// POST /api/v1/batches/:id/retry
func (h *Handler) RetryRecords(c *gin.Context) {
	id, ok := batchID(c)
	if !ok {
		return
	}
	var req RecordIDsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}
	if err := h.svc.Batches.RetryRecords(c.Request.Context(), id, req.RecordIDs, actor(c)); err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, gin.H{})
}

type UpdateRecordRequest struct {
	PayrollID  *string          `json:"payroll_id"`
	CostCentre *string          `json:"cost_centre"`
	Currency   *string          `json:"currency"`
	Amount     *decimal.Decimal `json:"amount"`
}

// UpdateRecord applies an operator correction to a record.
// PATCH /api/v1/batches/:id/records/:record_id
func (h *Handler) UpdateRecord(c *gin.Context) {
	id, ok := batchID(c)
	if !ok {
		return
	}
	recordID, err := strconv.ParseInt(c.Param("record_id"), 10, 64)
	if err != nil || recordID <= 0 {
		response.ParamError(c, "invalid record id")
		return
	}
	var req UpdateRecordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}

	record, err := h.svc.Batches.UpdateRecord(c.Request.Context(), id, recordID, service.RecordPatch{
		PayrollID:  req.PayrollID,
		CostCentre: req.CostCentre,
		Currency:   req.Currency,
		Amount:     req.Amount,
	}, actor(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, record)
}

// ============================================================
// Postings and reconciliation
// ============================================================

type MarkPostedRequest struct {
	RecordIDs   []int64 `json:"record_ids"` // empty means every exported record
	ExternalRef string  `json:"external_ref"`
}

// MarkPosted applies an ERP posting confirmation.
// POST /api/v1/batches/:id/posted
func (h *Handler) MarkPosted(c *gin.Context) {
	id, ok := batchID(c)
	if !ok {
		return
	}
	var req MarkPostedRequest
	// an empty body posts everything
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.ParamError(c, "invalid request: "+err.Error())
			return
		}
	}

	result, err := h.svc.Postings.MarkPosted(c.Request.Context(), id, req.RecordIDs, req.ExternalRef, actor(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, result)
}

type MarkFailedRequest struct {
	RecordIDs []int64 `json:"record_ids" binding:"required,min=1"`
	Reason    string  `json:"reason" binding:"required"`
}

// MarkFailed applies an ERP rejection.
// POST /api/v1/batches/:id/failed
func (h *Handler) MarkFailed(c *gin.Context) {
	id, ok := batchID(c)
	if !ok {
		return
	}
	var req MarkFailedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}

	result, err := h.svc.Postings.MarkFailed(c.Request.Context(), id, req.RecordIDs, req.Reason, actor(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, result)
}

// GetReconciliation compares exported and posted amounts.
// GET /api/v1/reconciliation?batch_id=&export_type=&from=YYYY-MM&to=YYYY-MM
func (h *Handler) GetReconciliation(c *gin.Context) {
	filter := repository.RecordFilter{
		ExportType: model.ExportType(c.Query("export_type")),
		FromPeriod: c.Query("from"),
		ToPeriod:   c.Query("to"),
	}
	if s := c.Query("batch_id"); s != "" {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			response.ParamError(c, "invalid batch_id")
			return
		}
		filter.BatchID = id
	}
	for _, p := range []string{filter.FromPeriod, filter.ToPeriod} {
		if p == "" {
			continue
		}
		if _, err := time.Parse(periodLayout, p); err != nil {
			response.ParamError(c, "from and to must be YYYY-MM")
			return
		}
	}

	rec, err := h.svc.Postings.GetReconciliation(c.Request.Context(), filter)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, rec)
}
