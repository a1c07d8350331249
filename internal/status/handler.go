package status

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kazz187/packetguild/internal/packet"
	"github.com/kazz187/packetguild/pkg/cerr"
)

// Handler exposes Service as JSON over chi. Responses are rendered by the
// cerr JSON middleware the router is mounted behind.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) Routes(r chi.Router) {
	r.Get("/packets", h.listPackets)
	r.Get("/packets/{id}", h.getPacket)
	r.Get("/packets/{id}/worklog", h.workLog)
	r.Get("/packets/{id}/gates", h.gates)
	r.Get("/units", h.units)
	r.Get("/checkpoint", h.checkpoint)
	r.Get("/report", h.report)
}

func (h *Handler) listPackets(_ http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var phase packet.Phase
	if q := r.URL.Query().Get("phase"); q != "" {
		p, err := packet.ParsePhase(q)
		if err != nil {
			cerr.SetJSONError(ctx, cerr.NewError(cerr.InvalidArgument, "invalid phase", err))
			return
		}
		phase = p
	}
	ps, err := h.svc.Packets(ctx, phase)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, ps)
}

func (h *Handler) getPacket(_ http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, err := h.svc.Packet(ctx, chi.URLParam(r, "id"))
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, p)
}

func (h *Handler) workLog(_ http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	since := 0
	if q := r.URL.Query().Get("since"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 0 {
			cerr.SetJSONError(ctx, cerr.NewError(cerr.InvalidArgument, "since must be a non-negative integer", err))
			return
		}
		since = n
	}
	entries, err := h.svc.WorkLog(ctx, chi.URLParam(r, "id"), since)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, entries)
}

func (h *Handler) gates(_ http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	gs, err := h.svc.Gates(ctx, chi.URLParam(r, "id"))
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, gs)
}

func (h *Handler) units(_ http.ResponseWriter, r *http.Request) {
	cerr.SetJSONResponse(r.Context(), h.svc.Units())
}

func (h *Handler) checkpoint(_ http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	st, err := h.svc.Checkpoint(ctx)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, st)
}

func (h *Handler) report(_ http.ResponseWriter, r *http.Request) {
	cerr.SetJSONResponse(r.Context(), h.svc.Report())
}
