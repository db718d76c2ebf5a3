package request_generator

import (
	"fmt"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"golang.org/x/exp/rand"

	"github.com/seznam/request-monitor/pkg/event"
)

const (
	UserAgent        = "Mozilla/5.0 (compatible; Bot/1.0)"
	minResponseTime  = 10
	responseTimeSpan = 2000
	minSize          = 1000
	sizeSpan         = 50000
	pathLength       = 6
	pathAlphabet     = "0123456789abcdefghijklmnopqrstuvwxyz"
	ipPrefix         = "192.168.1."
	// Last octet is drawn from the whole /24.
	ipLastOctetSpan = 256
)

var (
	StatusCodes = []int{200, 201, 400, 401, 403, 404, 500, 502}
	Domains     = []string{"api.example.com", "cdn.example.com", "auth.example.com", "static.example.com"}
)

// Generator produces synthetic request events. It is safe for concurrent use.
type Generator struct {
	mtx   sync.Mutex
	rand  *rand.Rand
	clock clock.Clock
}

// New returns generator drawing from source seeded by the given seed, timestamps are taken from the clock.
func New(clk clock.Clock, seed uint64) *Generator {
	return &Generator{
		rand:  rand.New(rand.NewSource(seed)),
		clock: clk,
	}
}

func (g *Generator) pick(values []string) string {
	return values[g.rand.Intn(len(values))]
}

func (g *Generator) randomPath() string {
	var sb strings.Builder
	for i := 0; i < pathLength; i++ {
		sb.WriteByte(pathAlphabet[g.rand.Intn(len(pathAlphabet))])
	}
	return sb.String()
}

// Generate returns single random request event.
func (g *Generator) Generate() *event.Request {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	id, err := uuid.NewRandomFromReader(g.rand)
	if err != nil {
		// Reading from the pseudo random source never fails.
		id = uuid.New()
	}
	return &event.Request{
		ID:             id.String(),
		Method:         g.pick(event.KnownMethods),
		URL:            fmt.Sprintf("https://%s/api/%s", g.pick(Domains), g.randomPath()),
		StatusCode:     StatusCodes[g.rand.Intn(len(StatusCodes))],
		ResponseTimeMs: int64(minResponseTime + g.rand.Intn(responseTimeSpan)),
		Time:           g.clock.Now(),
		SizeBytes:      int64(minSize + g.rand.Intn(sizeSpan)),
		IP:             fmt.Sprintf("%s%d", ipPrefix, g.rand.Intn(ipLastOctetSpan)),
		UserAgent:      UserAgent,
		Source:         event.SourceSynthetic,
	}
}
