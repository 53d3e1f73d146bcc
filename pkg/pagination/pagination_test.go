package pagination

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func paramsFor(t *testing.T, query string) Params {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/warehouse/facts"+query, nil)
	return FromContext(e.NewContext(req, httptest.NewRecorder()))
}

func TestFromContext(t *testing.T) {
	tests := []struct {
		query      string
		wantLimit  int
		wantOffset int
	}{
		{"", DefaultLimit, 0},
		{"?limit=50&offset=10", 50, 10},
		{"?limit=500", MaxLimit, 0},
		{"?limit=-3&offset=-1", DefaultLimit, 0},
		{"?limit=abc&offset=xyz", DefaultLimit, 0},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			p := paramsFor(t, tt.query)
			if p.Limit != tt.wantLimit || p.Offset != tt.wantOffset {
				t.Errorf("got %+v, want limit=%d offset=%d", p, tt.wantLimit, tt.wantOffset)
			}
		})
	}
}

func TestParams_Navigation(t *testing.T) {
	p := Params{Limit: 10, Offset: 5}
	if !p.HasNext(20) || p.HasNext(15) {
		t.Error("HasNext boundary wrong")
	}
	if !p.HasPrevious() {
		t.Error("expected HasPrevious")
	}
	if p.NextOffset() != 15 {
		t.Errorf("NextOffset = %d", p.NextOffset())
	}
	if p.PreviousOffset() != 0 {
		t.Errorf("PreviousOffset = %d, want 0", p.PreviousOffset())
	}
	if (Params{Limit: 10, Offset: 30}).PreviousOffset() != 20 {
		t.Error("PreviousOffset from 30 should be 20")
	}
}

func TestParams_Links(t *testing.T) {
	tests := []struct {
		name   string
		p      Params
		total  int64
		want   []string
	}{
		{"first page", Params{Limit: 10}, 25, []string{"self", "next"}},
		{"middle page", Params{Limit: 10, Offset: 10}, 25, []string{"self", "next", "previous"}},
		{"last page", Params{Limit: 10, Offset: 20}, 25, []string{"self", "previous"}},
		{"no results", Params{Limit: 10}, 0, []string{"self"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			links := tt.p.Links("/api/v1/warehouse/facts", tt.total)
			if len(links) != len(tt.want) {
				t.Fatalf("got %d links, want %d: %+v", len(links), len(tt.want), links)
			}
			for i, rel := range tt.want {
				if links[i].Relation != rel {
					t.Errorf("links[%d] = %s, want %s", i, links[i].Relation, rel)
				}
			}
		})
	}

	links := Params{Limit: 10, Offset: 10}.Links("/x", 25)
	if links[1].URL != "/x?offset=20&limit=10" {
		t.Errorf("next url = %s", links[1].URL)
	}
}

func TestNewResponse(t *testing.T) {
	r := NewResponse([]string{"a", "b"}, 12, Params{Limit: 2, Offset: 4}, "")
	if r.Total != 12 || r.Limit != 2 || r.Offset != 4 || !r.HasMore {
		t.Errorf("unexpected response %+v", r)
	}
	if r.Links != nil {
		t.Error("expected no links without a base path")
	}
	r = NewResponse(nil, 2, Params{Limit: 2}, "/x")
	if r.HasMore || len(r.Links) != 1 {
		t.Errorf("unexpected response %+v", r)
	}
}
