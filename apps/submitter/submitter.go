// The submitter receives job descriptors over HTTP, gives each a job id and
// puts it on the Kafka job queue for the dispatcher.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/andrej220/remexec/internal/serverutil"
	"github.com/andrej220/remexec/pkg/consumer"
	"github.com/andrej220/remexec/pkg/jobspec"
	"github.com/andrej220/remexec/pkg/lg"
)

const MAXTIMEOUT = 30 * time.Second

type publisher interface {
	Publish(ctx context.Context, key []byte, payload jobspec.Request) error
}

type Handler struct {
	producer publisher
	lg       lg.Logger
}

type acceptedResponse struct {
	JobID string `json:"job_id"`
}

func (h *Handler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	d, ok := serverutil.RequestFrom[jobspec.Descriptor](r.Context())
	if !ok {
		http.Error(rw, "Internal server error", http.StatusInternalServerError)
		return
	}
	ctx, cancel := context.WithTimeout(lg.Attach(r.Context(), h.lg), MAXTIMEOUT)
	defer cancel()

	req := jobspec.NewRequest(d)
	if err := h.producer.Publish(ctx, req.JobID[:], req); err != nil {
		h.lg.Error("Failed to queue job", lg.String("job_id", req.JobID.String()), lg.Err(err))
		http.Error(rw, "Failed to process request", http.StatusServiceUnavailable)
		return
	}
	h.lg.Info("job queued", lg.String("job_id", req.JobID.String()), lg.String("product", d.Product))
	serverutil.WriteJSON(rw, http.StatusAccepted, acceptedResponse{JobID: req.JobID.String()})
}

func newMux(cfg SubmitterConfig, p publisher, logger lg.Logger) http.Handler {
	mux := http.NewServeMux()
	h := &Handler{producer: p, lg: logger}
	mux.Handle(cfg.HTTPPath, serverutil.Instrument(cfg.HTTPPath,
		serverutil.NewValidationHandler[jobspec.Descriptor](h, jobspec.Descriptor.Validate)))
	return mux
}

func main() {
	logger := lg.New(lg.NewConfigFromFlags(SERVICENAME))
	defer logger.Sync()
	cfg := NewSubmitterConfig(nil)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	producer := consumer.NewPublisher[jobspec.Request](consumer.Config{Brokers: cfg.Brokers, Topic: cfg.Topic})
	defer producer.Close()

	logger.Info("starting service", lg.String("addr", cfg.Addr), lg.String("topic", cfg.Topic))
	srvCfg := serverutil.DefaultServerConfig()
	srvCfg.Addr = cfg.Addr
	srvCfg.Logger = logger
	if err := serverutil.RunServer(ctx, newMux(cfg, producer, logger), srvCfg); err != nil {
		logger.Error("Fatal error. Failed to run server", lg.Err(err))
		os.Exit(1)
	}
}
