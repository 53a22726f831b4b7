package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/MimeLyc/subcache/internal/cache"
	"github.com/MimeLyc/subcache/internal/digest"
	"github.com/MimeLyc/subcache/internal/jobs"
	"github.com/MimeLyc/subcache/internal/persistence"
	"github.com/MimeLyc/subcache/internal/ratelimit"
	"github.com/MimeLyc/subcache/internal/service"
	"github.com/MimeLyc/subcache/pkg/log"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

const maxBodyBytes = 1 << 20

type subtitleFetcher interface {
	Fetch(ctx context.Context, req service.FetchRequest) (*service.FetchResult, error)
}

type subtitleReader interface {
	Get(ctx context.Context, videoID, lang string) (*cache.SubtitleEntry, bool, error)
}

type jobManager interface {
	Submit(ctx context.Context, req jobs.SubmitRequest) (*jobs.BatchJob, error)
	Status(id string) (*jobs.BatchJob, error)
	List() []*jobs.BatchJob
	Cancel(id string) (*jobs.BatchJob, error)
	History(ctx context.Context, channelURL string, limit int) ([]*jobs.BatchJob, error)
	Counts() map[jobs.Status]int
}

type statsSource interface {
	Stats(ctx context.Context) (persistence.Stats, error)
}

type digestLister interface {
	ListDigests(ctx context.Context, limit int) ([]digest.Digest, error)
}

type channelLookup interface {
	GetChannel(ctx context.Context, channelURL string) (persistence.ChannelRecord, bool, error)
}

type refreshStatus interface {
	Status(now time.Time) digest.Status
}

type Server struct {
	fetcher   subtitleFetcher
	subtitles subtitleReader
	jobs      jobManager
	stats     statsSource
	digests   digestLister
	channels  channelLookup
	refresh   refreshStatus
	logger    *log.Logger

	authSecret      string
	corsOrigins     []string
	limiter         *ratelimit.Limiter
	defaultMaxItems int
	defaultLang     string

	router *chi.Mux
	server *http.Server
}

type Option func(*Server)

func WithStats(stats statsSource) Option {
	return func(s *Server) {
		s.stats = stats
	}
}

func WithDigests(digests digestLister) Option {
	return func(s *Server) {
		s.digests = digests
	}
}

// WithChannels enables GET /api/channels for resolved channel metadata.
func WithChannels(channels channelLookup) Option {
	return func(s *Server) {
		s.channels = channels
	}
}

func WithRefreshStatus(refresh refreshStatus) Option {
	return func(s *Server) {
		s.refresh = refresh
	}
}

// WithAuthSecret requires an HS256 bearer token on every route except
// /api/health. An empty secret disables auth.
func WithAuthSecret(secret string) Option {
	return func(s *Server) {
		s.authSecret = secret
	}
}

func WithCORSOrigins(origins []string) Option {
	return func(s *Server) {
		s.corsOrigins = origins
	}
}

// WithRateLimiter limits requests per client IP.
func WithRateLimiter(l *ratelimit.Limiter) Option {
	return func(s *Server) {
		s.limiter = l
	}
}

// WithDefaults sets max_items and lang for requests that omit them.
func WithDefaults(maxItems int, lang string) Option {
	return func(s *Server) {
		if maxItems > 0 {
			s.defaultMaxItems = maxItems
		}
		if lang != "" {
			s.defaultLang = lang
		}
	}
}

func NewServer(fetcher subtitleFetcher, subtitles subtitleReader, manager jobManager, opts ...Option) *Server {
	s := &Server{
		fetcher:         fetcher,
		subtitles:       subtitles,
		jobs:            manager,
		defaultMaxItems: 50,
		defaultLang:     "en",
		logger:          log.GetLogger().With("http"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) routes() {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(corsOptions(s.corsOrigins)))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			if s.authSecret != "" {
				r.Use(bearerAuth(s.authSecret, s.logger))
			}
			if s.limiter != nil {
				r.Use(rateLimit(s.limiter))
			}
			r.Use(maxBodySize(maxBodyBytes))

			r.Post("/subtitles", s.handleFetchSubtitles)
			r.Get("/videos/{id}/subtitles", s.handleExportSubtitles)

			r.Post("/jobs", s.handleSubmitJob)
			r.Get("/jobs", s.handleListJobs)
			r.Get("/jobs/{id}", s.handleGetJob)
			r.Delete("/jobs/{id}", s.handleCancelJob)

			r.Get("/channels", s.handleGetChannel)
			r.Get("/channels/history", s.handleChannelHistory)
			r.Get("/stats", s.handleStats)
			r.Get("/digests", s.handleListDigests)
		})
	})

	s.router = r
}
