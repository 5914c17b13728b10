package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/mselletoe/brgypuj-kiosk/internal/config"
	"github.com/mselletoe/brgypuj-kiosk/internal/core/domain"
	"github.com/mselletoe/brgypuj-kiosk/internal/core/service"
)

const idempotencyHeader = "Idempotency-Key"

type HTTPHandler struct {
	workflow *service.WorkflowService
	catalog  *service.CatalogService
	log      logrus.FieldLogger
}

func NewHTTPHandler(workflow *service.WorkflowService, catalog *service.CatalogService, log logrus.FieldLogger) *HTTPHandler {
	return &HTTPHandler{
		workflow: workflow,
		catalog:  catalog,
		log:      log.WithField("handler", "http"),
	}
}

// NewRouter builds the gin engine with recovery, CORS and every route.
func NewRouter(h *HTTPHandler, cfg config.CORSConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.New(corsConfig(cfg)))
	h.RegisterRoutes(r)
	return r
}

func corsConfig(cfg config.CORSConfig) cors.Config {
	c := cors.Config{
		AllowMethods:     cfg.Methods(),
		AllowHeaders:     cfg.Headers(),
		AllowCredentials: cfg.AllowCredentials,
		MaxAge:           cfg.MaxAge,
	}
	if cfg.AllowsAllOrigins() || len(cfg.Origins()) == 0 {
		c.AllowAllOrigins = true
	} else {
		c.AllowOrigins = cfg.Origins()
	}
	return c
}

func (h *HTTPHandler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.HealthCheck)

	api := router.Group("/api")

	requests := api.Group("/requests")
	{
		requests.POST("", h.CreateRequest)
		requests.GET("", h.ListRequests)
		requests.GET("/:id", h.GetRequest)
		requests.DELETE("/:id", h.DeleteRequest)
		requests.GET("/:id/notes", h.GetNotes)
		requests.PUT("/:id/notes", h.UpdateNotes)
		requests.POST("/:id/:action", h.ApplyAction)
	}

	bulk := api.Group("/bulk")
	{
		bulk.POST("/transition/:action", h.BulkTransition)
		bulk.POST("/delete", h.BulkDelete)
	}

	api.GET("/history/:requester_id", h.ListHistory)

	items := api.Group("/items")
	{
		items.GET("", h.ListItems)
		items.POST("", h.CreateItem)
		items.POST("/bulk-delete", h.BulkDeleteItems)
		items.PUT("/:id", h.UpdateItem)
		items.DELETE("/:id", h.DeleteItem)
		items.GET("/:id/availability", h.Availability)
	}
}

func (h *HTTPHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ---------- requests ----------

type lineItemBody struct {
	ItemID   string `json:"item_id" binding:"required"`
	Quantity int    `json:"quantity"`
}

type createRequestBody struct {
	Kind           string         `json:"kind" binding:"required"`
	RequesterID    *string        `json:"requester_id"`
	Notes          string         `json:"notes"`
	FormData       map[string]any `json:"form_data"`
	Items          []lineItemBody `json:"items" binding:"dive"`
	BorrowerName   string         `json:"borrower_name"`
	ContactPerson  string         `json:"contact_person"`
	ContactNumber  string         `json:"contact_number"`
	Purpose        string         `json:"purpose"`
	BorrowDate     *time.Time     `json:"borrow_date"`
	ReturnDate     *time.Time     `json:"return_date"`
	DocumentTypeID *string        `json:"document_type_id"`
	SessionUID     *string        `json:"session_uid"`
}

func (b createRequestBody) toInput(idempotencyKey string) (service.CreateInput, error) {
	kind, err := domain.ParseKind(b.Kind)
	if err != nil {
		return service.CreateInput{}, err
	}
	lines := make([]domain.LineItem, 0, len(b.Items))
	for _, it := range b.Items {
		lines = append(lines, domain.LineItem{ItemID: it.ItemID, Quantity: it.Quantity})
	}
	return service.CreateInput{
		Kind:           kind,
		RequesterID:    b.RequesterID,
		Notes:          b.Notes,
		FormData:       b.FormData,
		LineItems:      lines,
		BorrowerName:   b.BorrowerName,
		ContactPerson:  b.ContactPerson,
		ContactNumber:  b.ContactNumber,
		Purpose:        b.Purpose,
		BorrowDate:     b.BorrowDate,
		ReturnDate:     b.ReturnDate,
		DocumentTypeID: b.DocumentTypeID,
		SessionUID:     b.SessionUID,
		IdempotencyKey: idempotencyKey,
	}, nil
}

type lineItemResponse struct {
	ItemID   string `json:"item_id"`
	ItemName string `json:"item_name"`
	Quantity int    `json:"quantity"`
}

type requestResponse struct {
	ID              string             `json:"id"`
	TransactionCode string             `json:"transaction_code"`
	Kind            domain.Kind        `json:"kind"`
	RequesterID     *string            `json:"requester_id"`
	Status          domain.Status      `json:"status"`
	PaymentStatus   string             `json:"payment_status"`
	IsRefunded      bool               `json:"is_refunded"`
	Notes           string             `json:"notes"`
	CreatedAt       time.Time          `json:"created_at"`
	CompletedAt     *time.Time         `json:"completed_at,omitempty"`
	BorrowerName    string             `json:"borrower_name,omitempty"`
	ContactPerson   string             `json:"contact_person,omitempty"`
	ContactNumber   string             `json:"contact_number,omitempty"`
	Purpose         string             `json:"purpose,omitempty"`
	BorrowDate      *time.Time         `json:"borrow_date,omitempty"`
	ReturnDate      *time.Time         `json:"return_date,omitempty"`
	TotalCost       decimal.Decimal    `json:"total_cost"`
	Items           []lineItemResponse `json:"items,omitempty"`
	DocumentTypeID  *string            `json:"document_type_id,omitempty"`
	FormData        map[string]any     `json:"form_data,omitempty"`
}

func toRequestResponse(r *domain.Request) requestResponse {
	items := make([]lineItemResponse, 0, len(r.LineItems))
	for _, li := range r.LineItems {
		items = append(items, lineItemResponse{ItemID: li.ItemID, ItemName: li.ItemName, Quantity: li.Quantity})
	}
	return requestResponse{
		ID:              r.ID,
		TransactionCode: r.TransactionCode,
		Kind:            r.Kind,
		RequesterID:     r.RequesterID,
		Status:          r.Status,
		PaymentStatus:   string(r.PaymentStatus),
		IsRefunded:      r.IsRefunded,
		Notes:           r.Notes,
		CreatedAt:       r.CreatedAt,
		CompletedAt:     r.CompletedAt,
		BorrowerName:    r.BorrowerName,
		ContactPerson:   r.ContactPerson,
		ContactNumber:   r.ContactNumber,
		Purpose:         r.Purpose,
		BorrowDate:      r.BorrowDate,
		ReturnDate:      r.ReturnDate,
		TotalCost:       r.TotalCost,
		Items:           items,
		DocumentTypeID:  r.DocumentTypeID,
		FormData:        r.FormData,
	}
}

func (h *HTTPHandler) CreateRequest(c *gin.Context) {
	var body createRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		h.badRequest(c, err)
		return
	}
	in, err := body.toInput(c.GetHeader(idempotencyHeader))
	if err != nil {
		h.errorHandler(c, err)
		return
	}

	req, err := h.workflow.Create(c.Request.Context(), in)
	if err != nil {
		h.errorHandler(c, err)
		return
	}
	c.JSON(http.StatusCreated, toRequestResponse(req))
}

func (h *HTTPHandler) ListRequests(c *gin.Context) {
	var filter domain.RequestFilter
	if raw := c.Query("kind"); raw != "" {
		kind, err := domain.ParseKind(raw)
		if err != nil {
			h.errorHandler(c, err)
			return
		}
		filter.Kind = kind
	}
	if raw := c.Query("status"); raw != "" {
		status, err := domain.ParseStatus(raw)
		if err != nil {
			h.errorHandler(c, err)
			return
		}
		filter.Status = status
	}
	filter.RequesterID = c.Query("requester_id")
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			h.errorHandler(c, domain.NewValidationError("limit", "must be a non-negative integer"))
			return
		}
		filter.Limit = limit
	}

	reqs, err := h.workflow.List(c.Request.Context(), filter)
	if err != nil {
		h.errorHandler(c, err)
		return
	}
	out := make([]requestResponse, 0, len(reqs))
	for i := range reqs {
		out = append(out, toRequestResponse(&reqs[i]))
	}
	c.JSON(http.StatusOK, gin.H{"requests": out})
}

func (h *HTTPHandler) GetRequest(c *gin.Context) {
	req, err := h.workflow.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.errorHandler(c, err)
		return
	}
	c.JSON(http.StatusOK, toRequestResponse(req))
}

func (h *HTTPHandler) DeleteRequest(c *gin.Context) {
	if err := h.workflow.Delete(c.Request.Context(), c.Param("id")); err != nil {
		h.errorHandler(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ApplyAction runs a workflow action or one of the payment actions.
func (h *HTTPHandler) ApplyAction(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	var (
		req *domain.Request
		err error
	)
	switch name := c.Param("action"); name {
	case "mark-paid":
		req, err = h.workflow.MarkPaid(ctx, id)
	case "mark-unpaid":
		req, err = h.workflow.MarkUnpaid(ctx, id)
	case "toggle-refund":
		req, err = h.workflow.ToggleRefund(ctx, id)
	default:
		var action domain.Action
		if action, err = domain.ParseAction(name); err == nil {
			req, err = h.workflow.Transition(ctx, id, action)
		}
	}
	if err != nil {
		h.errorHandler(c, err)
		return
	}
	c.JSON(http.StatusOK, toRequestResponse(req))
}

type notesBody struct {
	Notes string `json:"notes"`
}

func (h *HTTPHandler) GetNotes(c *gin.Context) {
	notes, err := h.workflow.GetNotes(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.errorHandler(c, err)
		return
	}
	c.JSON(http.StatusOK, notesBody{Notes: notes})
}

func (h *HTTPHandler) UpdateNotes(c *gin.Context) {
	var body notesBody
	if err := c.ShouldBindJSON(&body); err != nil {
		h.badRequest(c, err)
		return
	}
	notes, err := h.workflow.UpdateNotes(c.Request.Context(), c.Param("id"), body.Notes)
	if err != nil {
		h.errorHandler(c, err)
		return
	}
	c.JSON(http.StatusOK, notesBody{Notes: notes})
}

// ---------- bulk ----------

type idsBody struct {
	IDs []string `json:"ids" binding:"required"`
}

type countResponse struct {
	Count int `json:"count"`
}

func (h *HTTPHandler) BulkTransition(c *gin.Context) {
	action, err := domain.ParseAction(c.Param("action"))
	if err != nil {
		h.errorHandler(c, err)
		return
	}
	var body idsBody
	if err := c.ShouldBindJSON(&body); err != nil {
		h.badRequest(c, err)
		return
	}

	n, err := h.workflow.BulkTransition(c.Request.Context(), body.IDs, action)
	if err != nil {
		h.errorHandler(c, err)
		return
	}
	c.JSON(http.StatusOK, countResponse{Count: n})
}

func (h *HTTPHandler) BulkDelete(c *gin.Context) {
	var body idsBody
	if err := c.ShouldBindJSON(&body); err != nil {
		h.badRequest(c, err)
		return
	}

	n, err := h.workflow.BulkDelete(c.Request.Context(), body.IDs)
	if err != nil {
		h.errorHandler(c, err)
		return
	}
	c.JSON(http.StatusOK, countResponse{Count: n})
}

// ---------- history ----------

type historyResponse struct {
	ID                     string         `json:"id"`
	TransactionCode        string         `json:"transaction_code"`
	Kind                   domain.Kind    `json:"kind"`
	DisplayName            string         `json:"display_name"`
	RequesterID            *string        `json:"requester_id"`
	SnapshottedIdentityUID *string        `json:"snapshotted_identity_uid"`
	Outcome                domain.Outcome `json:"outcome"`
	RecordedAt             time.Time      `json:"recorded_at"`
}

func (h *HTTPHandler) ListHistory(c *gin.Context) {
	entries, err := h.workflow.ListHistory(c.Request.Context(), c.Param("requester_id"))
	if err != nil {
		h.errorHandler(c, err)
		return
	}
	out := make([]historyResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, historyResponse{
			ID:                     e.ID,
			TransactionCode:        e.TransactionCode,
			Kind:                   e.Kind,
			DisplayName:            e.DisplayName,
			RequesterID:            e.RequesterID,
			SnapshottedIdentityUID: e.SnapshottedIdentityUID,
			Outcome:                e.Outcome,
			RecordedAt:             e.RecordedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"history": out})
}

// ---------- items ----------

type itemBody struct {
	Name              string          `json:"name" binding:"required"`
	TotalQuantity     int             `json:"total_quantity"`
	RatePerUnitPeriod decimal.Decimal `json:"rate_per_unit_period"`
}

type itemChangesBody struct {
	Name              *string          `json:"name"`
	TotalQuantity     *int             `json:"total_quantity"`
	RatePerUnitPeriod *decimal.Decimal `json:"rate_per_unit_period"`
}

type itemResponse struct {
	ID                string          `json:"id"`
	Name              string          `json:"name"`
	TotalQuantity     int             `json:"total_quantity"`
	AvailableQuantity int             `json:"available_quantity"`
	RatePerUnitPeriod decimal.Decimal `json:"rate_per_unit_period"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

func toItemResponse(it *domain.ResourceItem) itemResponse {
	return itemResponse{
		ID:                it.ID,
		Name:              it.Name,
		TotalQuantity:     it.TotalQuantity,
		AvailableQuantity: it.AvailableQuantity,
		RatePerUnitPeriod: it.RatePerUnitPeriod,
		CreatedAt:         it.CreatedAt,
		UpdatedAt:         it.UpdatedAt,
	}
}

func (h *HTTPHandler) ListItems(c *gin.Context) {
	items, err := h.catalog.ListItems(c.Request.Context())
	if err != nil {
		h.errorHandler(c, err)
		return
	}
	out := make([]itemResponse, 0, len(items))
	for i := range items {
		out = append(out, toItemResponse(&items[i]))
	}
	c.JSON(http.StatusOK, gin.H{"items": out})
}

func (h *HTTPHandler) CreateItem(c *gin.Context) {
	var body itemBody
	if err := c.ShouldBindJSON(&body); err != nil {
		h.badRequest(c, err)
		return
	}
	item, err := h.catalog.CreateItem(c.Request.Context(), service.NewItem{
		Name:              body.Name,
		TotalQuantity:     body.TotalQuantity,
		RatePerUnitPeriod: body.RatePerUnitPeriod,
	})
	if err != nil {
		h.errorHandler(c, err)
		return
	}
	c.JSON(http.StatusCreated, toItemResponse(item))
}

func (h *HTTPHandler) UpdateItem(c *gin.Context) {
	var body itemChangesBody
	if err := c.ShouldBindJSON(&body); err != nil {
		h.badRequest(c, err)
		return
	}
	item, err := h.catalog.UpdateItem(c.Request.Context(), c.Param("id"), domain.ItemChanges{
		Name:              body.Name,
		TotalQuantity:     body.TotalQuantity,
		RatePerUnitPeriod: body.RatePerUnitPeriod,
	})
	if err != nil {
		h.errorHandler(c, err)
		return
	}
	c.JSON(http.StatusOK, toItemResponse(item))
}

func (h *HTTPHandler) DeleteItem(c *gin.Context) {
	if err := h.catalog.DeleteItem(c.Request.Context(), c.Param("id")); err != nil {
		h.errorHandler(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *HTTPHandler) BulkDeleteItems(c *gin.Context) {
	var body idsBody
	if err := c.ShouldBindJSON(&body); err != nil {
		h.badRequest(c, err)
		return
	}
	n, err := h.catalog.BulkDeleteItems(c.Request.Context(), body.IDs)
	if err != nil {
		h.errorHandler(c, err)
		return
	}
	c.JSON(http.StatusOK, countResponse{Count: n})
}

func (h *HTTPHandler) Availability(c *gin.Context) {
	id := c.Param("id")
	available, err := h.catalog.Availability(c.Request.Context(), id)
	if err != nil {
		h.errorHandler(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"item_id": id, "available_quantity": available})
}

// ---------- errors ----------

func httpStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrInsufficientStock),
		errors.Is(err, domain.ErrDuplicatePending),
		errors.Is(err, domain.ErrDuplicateRequest),
		errors.Is(err, domain.ErrItemInUse):
		return http.StatusConflict
	case errors.Is(err, domain.ErrCapacityExhausted):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// errorHandler writes err as a JSON error body. Internal errors are logged
// and their message withheld from the client.
func (h *HTTPHandler) errorHandler(c *gin.Context, err error) {
	status := httpStatus(err)
	body := gin.H{"status": "error", "description": err.Error()}

	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		fields := make([]gin.H, 0, len(ve.Errors))
		for _, fe := range ve.Errors {
			fields = append(fields, gin.H{"field": fe.Field, "message": fe.Message})
		}
		body["fields"] = fields
	}
	var se *domain.StockError
	if errors.As(err, &se) {
		body["item_id"] = se.ItemID
		body["shortfall"] = se.Shortfall()
	}

	entry := h.log.WithFields(logrus.Fields{
		"method": c.Request.Method,
		"path":   c.FullPath(),
		"status": status,
	}).WithError(err)
	if status == http.StatusInternalServerError {
		entry.Error("request failed")
		body["description"] = "internal error"
	} else {
		entry.Debug("request rejected")
	}

	c.JSON(status, body)
}

func (h *HTTPHandler) badRequest(c *gin.Context, err error) {
	h.log.WithError(err).Debug("invalid request body")
	c.JSON(http.StatusBadRequest, gin.H{"status": "error", "description": "invalid request body"})
}
