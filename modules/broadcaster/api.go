package broadcaster

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"

	"github.com/aiprojek/gemaweb-cast/pkg/capture"
	"github.com/aiprojek/gemaweb-cast/pkg/encoder"
	"github.com/aiprojek/gemaweb-cast/pkg/session"
	"github.com/aiprojek/gemaweb-cast/pkg/transport"
)

// Handler serves the operator API under the configured prefix.
func (b *Broadcaster) Handler() http.Handler {
	r := chi.NewRouter()
	r.Route(b.cfg.APIPrefix, func(r chi.Router) {
		r.Get("/status", b.getStatus)
		r.Get("/logs", b.getLogs)
		r.Get("/meter", b.getMeter)
		r.Get("/devices", b.getDevices)
		r.Get("/audio", b.getAudio)

		r.Post("/connect", b.postConnect)
		r.Post("/disconnect", b.postDisconnect)
		r.Post("/record/start", b.postRecordStart)
		r.Post("/record/stop", b.postRecordStop)
		r.Post("/metadata", b.postMetadata)

		r.Put("/gain", b.putGain)
		r.Put("/dsp", b.putDSP)
		r.Put("/device", b.putDevice)
		r.Put("/profile", b.putProfile)
	})
	return r
}

// Prefix is the path prefix served by Handler.
func (b *Broadcaster) Prefix() string { return b.cfg.APIPrefix }

type errorReply struct {
	Error string `json:"error"`
	Hint  string `json:"hint,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps engine errors onto HTTP statuses.
func statusFor(err error) int {
	var ce *transport.ConnectError
	switch {
	case errors.Is(err, session.ErrAlreadyConnected),
		errors.Is(err, session.ErrAlreadyRecording),
		errors.Is(err, ErrBusy):
		return http.StatusConflict
	case errors.Is(err, session.ErrNoProfile),
		errors.Is(err, encoder.ErrInvalidBitrate):
		return http.StatusBadRequest
	case errors.Is(err, encoder.ErrUnsupportedCodec):
		return http.StatusUnprocessableEntity
	case errors.Is(err, capture.ErrDeviceAccess):
		return http.StatusServiceUnavailable
	case errors.As(err, &ce),
		errors.Is(err, transport.ErrAuthRejected),
		errors.Is(err, transport.ErrUpstream):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (b *Broadcaster) writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorReply{Error: err.Error(), Hint: session.Hint(b.machine.Config().Transport.Mode, err)})
}

func badRequest(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, errorReply{Error: err.Error()})
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Wrap(err, "invalid request body")
	}
	return nil
}

func (b *Broadcaster) getStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, b.machine.Status())
}

func (b *Broadcaster) getLogs(w http.ResponseWriter, r *http.Request) {
	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			badRequest(w, errors.Errorf("invalid offset %q", v))
			return
		}
		offset = n
	}
	writeJSON(w, http.StatusOK, b.machine.LogBook().Entries(offset))
}

func (b *Broadcaster) getMeter(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, b.Meter())
}

func (b *Broadcaster) getDevices(w http.ResponseWriter, _ *http.Request) {
	devices, err := b.Devices()
	if err != nil {
		b.writeError(w, err)
		return
	}
	if devices == nil {
		devices = []capture.Device{}
	}
	writeJSON(w, http.StatusOK, devices)
}

func (b *Broadcaster) getAudio(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, b.Audio())
}

func (b *Broadcaster) postConnect(w http.ResponseWriter, r *http.Request) {
	if err := b.machine.Connect(r.Context()); err != nil {
		b.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b.machine.Status())
}

func (b *Broadcaster) postDisconnect(w http.ResponseWriter, _ *http.Request) {
	if err := b.machine.Disconnect(); err != nil {
		b.logger.Warn("disconnect", "err", err)
	}
	writeJSON(w, http.StatusOK, b.machine.Status())
}

func (b *Broadcaster) postRecordStart(w http.ResponseWriter, r *http.Request) {
	if err := b.machine.StartRecording(r.Context()); err != nil {
		b.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b.machine.Status())
}

func (b *Broadcaster) postRecordStop(w http.ResponseWriter, _ *http.Request) {
	rec, err := b.machine.StopRecording()
	if err != nil {
		b.writeError(w, err)
		return
	}
	if rec == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type metadataRequest struct {
	Title string `json:"title"`
}

func (b *Broadcaster) postMetadata(w http.ResponseWriter, r *http.Request) {
	var req metadataRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	if req.Title == "" {
		badRequest(w, errors.New("title is required"))
		return
	}
	if err := b.machine.UpdateTitle(r.Context(), req.Title); err != nil {
		writeJSON(w, http.StatusBadGateway, errorReply{Error: err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type gainRequest struct {
	Gain *float64 `json:"gain"`
}

func (b *Broadcaster) putGain(w http.ResponseWriter, r *http.Request) {
	var req gainRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	if req.Gain == nil {
		badRequest(w, errors.New("gain is required"))
		return
	}
	cfg, err := b.SetGain(*req.Gain)
	if err != nil {
		badRequest(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

type dspRequest struct {
	Compressor *capture.CompressorConfig `json:"compressor"`
	Equalizer  *capture.EqualizerConfig  `json:"equalizer"`
}

func (b *Broadcaster) putDSP(w http.ResponseWriter, r *http.Request) {
	var req dspRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	cfg, err := b.SetDSP(req.Compressor, req.Equalizer)
	if err != nil {
		badRequest(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

type deviceRequest struct {
	Device string `json:"device"`
}

func (b *Broadcaster) putDevice(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	if err := b.SwitchDevice(req.Device); err != nil {
		b.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b.Audio())
}

type profileRequest struct {
	ID string `json:"id"`
}

func (b *Broadcaster) putProfile(w http.ResponseWriter, r *http.Request) {
	var req profileRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	switch b.machine.State() {
	case session.Connecting, session.Connected:
		b.writeError(w, ErrBusy)
		return
	}
	cfg, err := b.machine.Config().WithActiveProfile(req.ID)
	if err != nil {
		b.writeError(w, err)
		return
	}
	if err := b.machine.SetConfig(cfg); err != nil {
		badRequest(w, err)
		return
	}
	b.machine.LogBook().Info("Active server profile: " + req.ID)
	w.WriteHeader(http.StatusNoContent)
}
