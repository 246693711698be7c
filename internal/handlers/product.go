// internal/handlers/product.go
package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/javajoker/versiondigest/internal/services"
	"github.com/javajoker/versiondigest/internal/utils"
)

type ProductHandler struct {
	productService *services.ProductService
	versionService *services.VersionService
}

func NewProductHandler(productService *services.ProductService, versionService *services.VersionService) *ProductHandler {
	return &ProductHandler{
		productService: productService,
		versionService: versionService,
	}
}

// GET /products
func (h *ProductHandler) GetProducts(c *gin.Context) {
	params := utils.GetPaginationParams(c)
	searchParams := services.ProductSearchParams{
		PaginationParams: params,
		Category:         c.Query("category"),
		Search:           c.Query("search"),
	}

	products, total, err := h.productService.Search(c.Request.Context(), searchParams)
	if err != nil {
		utils.InternalErrorResponse(c, err.Error())
		return
	}

	result := utils.CreatePaginationResult(products, total, params)
	utils.PaginatedResponse(c, result)
}

// GET /products/:id
func (h *ProductHandler) GetProduct(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	product, err := h.productService.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err, "product")
		return
	}
	utils.SuccessResponse(c, product)
}

// POST /admin/products
func (h *ProductHandler) CreateProduct(c *gin.Context) {
	var req services.CreateProductRequest
	if !bindJSON(c, &req) {
		return
	}

	product, err := h.productService.Create(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err, "product")
		return
	}
	utils.CreatedResponse(c, product)
}

// DELETE /admin/products/:id
func (h *ProductHandler) DeleteProduct(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	if err := h.productService.Delete(c.Request.Context(), id); err != nil {
		respondError(c, err, "product")
		return
	}
	utils.SuccessResponse(c, gin.H{"id": id, "deleted": true})
}

// GET /products/:id/versions
func (h *ProductHandler) ListVersions(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	params := utils.GetPaginationParams(c)
	records, total, err := h.versionService.ListVersions(c.Request.Context(), id, params)
	if err != nil {
		respondError(c, err, "version")
		return
	}
	utils.PaginatedResponse(c, utils.CreatePaginationResult(records, total, params))
}

// GET /products/:id/current-version
func (h *ProductHandler) CurrentVersion(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	current, err := h.versionService.CurrentVersion(c.Request.Context(), id)
	if err != nil {
		respondError(c, err, "product")
		return
	}
	utils.SuccessResponse(c, gin.H{"product_id": id, "current": current})
}

// POST /admin/products/:id/versions
func (h *ProductHandler) RecordVersion(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	var draft services.VersionDraft
	if !bindJSON(c, &draft) {
		return
	}
	draft.ProductID = id

	rec, created, err := h.versionService.Record(c.Request.Context(), &draft, utils.GetActorFromContext(c))
	if err != nil {
		respondError(c, err, "product")
		return
	}
	if created {
		utils.CreatedResponse(c, rec)
		return
	}
	utils.SuccessResponse(c, rec)
}

// POST /admin/versions/:id/verify
func (h *ProductHandler) VerifyVersion(c *gin.Context) {
	h.versionAction(c, func(c *gin.Context, svc *services.VersionService) (interface{}, error) {
		id, _ := parseIDParam(c, "id")
		return svc.Verify(c.Request.Context(), id, utils.GetActorFromContext(c))
	})
}

// POST /admin/versions/:id/override
func (h *ProductHandler) SetOverride(c *gin.Context) {
	h.versionAction(c, func(c *gin.Context, svc *services.VersionService) (interface{}, error) {
		id, _ := parseIDParam(c, "id")
		return svc.SetOverride(c.Request.Context(), id, utils.GetActorFromContext(c))
	})
}

// DELETE /admin/versions/:id/override
func (h *ProductHandler) ClearOverride(c *gin.Context) {
	h.versionAction(c, func(c *gin.Context, svc *services.VersionService) (interface{}, error) {
		id, _ := parseIDParam(c, "id")
		return svc.ClearOverride(c.Request.Context(), id)
	})
}

// DELETE /admin/versions/:id
func (h *ProductHandler) DeleteVersion(c *gin.Context) {
	h.versionAction(c, func(c *gin.Context, svc *services.VersionService) (interface{}, error) {
		id, _ := parseIDParam(c, "id")
		if err := svc.Delete(c.Request.Context(), id); err != nil {
			return nil, err
		}
		return gin.H{"id": id, "deleted": true}, nil
	})
}

func (h *ProductHandler) versionAction(c *gin.Context, fn func(*gin.Context, *services.VersionService) (interface{}, error)) {
	if _, ok := parseIDParam(c, "id"); !ok {
		return
	}
	out, err := fn(c, h.versionService)
	if err != nil {
		respondError(c, err, "version")
		return
	}
	utils.SuccessResponse(c, out)
}
