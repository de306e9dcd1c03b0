package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/moprocor/planning"
	"github.com/c360studio/moprocor/purchase"
	"github.com/c360studio/moprocor/storage"
)

type jobLog struct {
	mu   sync.Mutex
	jobs []planning.Job
}

func (j *jobLog) Submit(job planning.Job) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.jobs = append(j.jobs, job)
	return nil
}

func (j *jobLog) kinds() []planning.ActionKind {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]planning.ActionKind, len(j.jobs))
	for i, job := range j.jobs {
		out[i] = job.Kind
	}
	return out
}

type testServer struct {
	mux    *http.ServeMux
	stores *storage.Stores
	jobs   *jobLog
}

func newTestServer(t *testing.T, opts ...Option) *testServer {
	t.Helper()
	stores := storage.NewMemory()
	jobs := &jobLog{}
	svc := purchase.NewService(stores.Purchases, jobs)
	mux := http.NewServeMux()
	NewHandler(svc, stores, opts...).RegisterHTTPHandlers(mux)
	return &testServer{mux: mux, stores: stores, jobs: jobs}
}

func (s *testServer) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)
	return w
}

const purchaseBody = `{
	"arapack_lot": 52341,
	"order_number": "4500247311",
	"symbol": "BOX-1",
	"quantity": 1000,
	"unit_cost": 2.5,
	"weight": 0.4,
	"estimated_delivery_date": "2025-05-08T00:00:00Z"
}`

func TestCreateAndGetPurchase(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodPost, "/purchases", purchaseBody)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created planning.PurchaseOrder
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, planning.LotCode("52341"), created.ArapackLot)
	assert.Equal(t, 19, created.WeekOfYear)
	assert.Equal(t, 1000, created.MissingQuantity)
	assert.Equal(t, []planning.ActionKind{planning.KindRegister}, s.jobs.kinds())

	w = s.do(http.MethodGet, "/purchases/52341", "")
	require.Equal(t, http.StatusOK, w.Code)
	var got planning.PurchaseOrder
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "4500247311", got.OrderNumber)
}

func TestCreatePurchase_Errors(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodPost, "/purchases", `{not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(http.MethodPost, "/purchases", `{"quantity": 5}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "invalid_request", resp.Error)

	require.Equal(t, http.StatusCreated, s.do(http.MethodPost, "/purchases", purchaseBody).Code)
	w = s.do(http.MethodPost, "/purchases", purchaseBody)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestGetPurchase_NotFound(t *testing.T) {
	s := newTestServer(t)
	w := s.do(http.MethodGet, "/purchases/404", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUpdateDelivery(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusCreated, s.do(http.MethodPost, "/purchases", purchaseBody).Code)

	w := s.do(http.MethodPatch, "/purchases/52341/delivery", `{"estimated_delivery_date": "2025-05-21T00:00:00Z"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var got planning.PurchaseOrder
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, 21, got.WeekOfYear)

	w = s.do(http.MethodPatch, "/purchases/52341/delivery", `{"quantity": 1200}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(http.MethodPatch, "/purchases/52341/delivery", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	assert.Equal(t, []planning.ActionKind{
		planning.KindRegister,
		planning.KindDeliveryDate,
		planning.KindQuantity,
	}, s.jobs.kinds())
}

func TestPurchaseDatesWithoutZone(t *testing.T) {
	tests := []struct {
		created  string
		moved    string
		wantWeek int
	}{
		{"2025-05-01T00:00:00Z", "2025-05-21T00:00:00Z", 21},
		{"2025-05-01T00:00:00", "2025-05-21T00:00:00", 21},
		{"2025-05-01", "2025-05-28", 22},
	}
	for _, tt := range tests {
		t.Run(tt.created, func(t *testing.T) {
			s := newTestServer(t)
			body := `{"arapack_lot": "25055", "symbol": "BOX-1", "quantity": 10000, "estimated_delivery_date": "` + tt.created + `"}`
			w := s.do(http.MethodPost, "/purchases", body)
			require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
			var created planning.PurchaseOrder
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
			assert.Equal(t, 18, created.WeekOfYear)

			w = s.do(http.MethodPatch, "/purchases/25055/delivery", `{"estimated_delivery_date": "`+tt.moved+`"}`)
			require.Equal(t, http.StatusOK, w.Code, w.Body.String())
			var moved planning.PurchaseOrder
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &moved))
			assert.Equal(t, tt.wantWeek, moved.WeekOfYear)
		})
	}

	s := newTestServer(t)
	w := s.do(http.MethodPost, "/purchases", `{"arapack_lot": "1", "estimated_delivery_date": "May 1st"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestChangeStatus(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusCreated, s.do(http.MethodPost, "/purchases", purchaseBody).Code)

	w := s.do(http.MethodPatch, "/purchases/52341/status", `{"status": "CANCELED"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []planning.ActionKind{planning.KindRegister, planning.KindCancel}, s.jobs.kinds())

	w = s.do(http.MethodPatch, "/purchases/52341/status", `{"status": "PAUSED"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(http.MethodPatch, "/purchases/999/status", `{"status": "CANCELED"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetPlan(t *testing.T) {
	s := newTestServer(t)

	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodGet, "/plans/abc", "").Code)
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodGet, "/plans/54", "").Code)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/plans/19", "").Code)

	plan := planning.NewWeeklyPlan(19, time.Date(2025, 5, 5, 0, 0, 0, 0, time.UTC))
	plan.ProductionRuns = []planning.ProductionRun{planning.ProductionRun(`{"scheduled_date":"2025-05-06","machine":"C1"}`)}
	require.NoError(t, s.stores.Plans.Create(context.Background(), plan))

	w := s.do(http.MethodGet, "/plans/19", "")
	require.Equal(t, http.StatusOK, w.Code)
	var got planning.WeeklyPlan
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, 19, got.Week)
	require.Len(t, got.ProductionRuns, 1)
	assert.JSONEq(t, `{"scheduled_date":"2025-05-06","machine":"C1"}`, string(got.ProductionRuns[0]))
}

func TestCatalogRoutes(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodPut, "/boxes/BOX-1", `{"ect": 32, "liner": "kraft", "width": 40.5, "length": 60}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(http.MethodGet, "/boxes/BOX-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var box planning.Box
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &box))
	assert.Equal(t, "BOX-1", box.Symbol)
	assert.Equal(t, 32, box.ECT)

	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/boxes/NONE", "").Code)

	w = s.do(http.MethodGet, "/sheets", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())

	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodPost, "/sheets", `{"roll_width": 133}`).Code)
	require.Equal(t, http.StatusCreated, s.do(http.MethodPost, "/sheets", `{"id": "s-2", "roll_width": 140}`).Code)
	require.Equal(t, http.StatusCreated, s.do(http.MethodPost, "/sheets", `{"id": "s-1", "roll_width": 133}`).Code)

	w = s.do(http.MethodGet, "/sheets", "")
	var sheets []planning.Sheet
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sheets))
	require.Len(t, sheets, 2)
	assert.Equal(t, "s-1", sheets[0].ID)
}

func TestListRuns(t *testing.T) {
	s := newTestServer(t)
	now := time.Now()
	require.NoError(t, s.stores.Runs.Record(context.Background(), planning.RunRecord{
		ID: "r1", Lot: "1", Kind: planning.KindCancel, Outcome: planning.OutcomeApplied, StartedAt: now,
	}))
	require.NoError(t, s.stores.Runs.Record(context.Background(), planning.RunRecord{
		ID: "r2", Lot: "2", Kind: planning.KindRegister, Outcome: planning.OutcomeSkipped, StartedAt: now.Add(time.Second),
	}))

	w := s.do(http.MethodGet, "/runs?lot=2", "")
	require.Equal(t, http.StatusOK, w.Code)
	var recs []planning.RunRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &recs))
	require.Len(t, recs, 1)
	assert.Equal(t, "r2", recs[0].ID)

	w = s.do(http.MethodGet, "/runs", "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &recs))
	assert.Len(t, recs, 2)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	w := s.do(http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)

	s = newTestServer(t, WithHealthCheck(func(context.Context) error { return errors.New("nats down") }))
	w = s.do(http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "nats down")
}

func TestMetricsRoute(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/metrics", "").Code)

	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "moprocor_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	s = newTestServer(t, WithMetrics(reg))
	w := s.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "moprocor_test_total 1")
}
