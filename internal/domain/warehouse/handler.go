package warehouse

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/byluca/ct-medical-images/internal/platform/store"
	"github.com/byluca/ct-medical-images/pkg/pagination"
)

// Handler serves read-only views of the warehouse.
type Handler struct {
	st store.Store
}

func NewHandler(st store.Store) *Handler {
	return &Handler{st: st}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/warehouse")
	g.GET("/counts", h.GetCounts)
	g.GET("/facts", h.ListFacts)
	g.GET("/dimensions/:name", h.ListDimension)
}

func (h *Handler) GetCounts(c echo.Context) error {
	counts, err := Counts(c.Request().Context(), h.st)
	if err != nil {
		return storeError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"collections": counts})
}

// ListFacts pages fact rows. Any dimension key field may be passed as a query
// parameter to filter, e.g. ?patient_sk=...
func (h *Handler) ListFacts(c echo.Context) error {
	values := map[string]string{}
	for _, d := range Dimensions {
		values[d.KeyField] = c.QueryParam(d.KeyField)
	}
	filter, err := FactFilter(values)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	p := pagination.FromContext(c)
	page, err := List(c.Request().Context(), h.st.Collection(FactCollection), filter, p.Limit, p.Offset)
	if err != nil {
		return storeError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(page.Docs, page.Total, p, c.Request().URL.Path))
}

func (h *Handler) ListDimension(c echo.Context) error {
	d, ok := DimensionByName(c.Param("name"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown dimension")
	}

	p := pagination.FromContext(c)
	page, err := List(c.Request().Context(), h.st.Collection(d.Collection), nil, p.Limit, p.Offset)
	if err != nil {
		return storeError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(page.Docs, page.Total, p, c.Request().URL.Path))
}

func storeError(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "warehouse query failed")
}
