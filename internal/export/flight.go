package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/23skdu/longbow-curvature/internal/logger"
	"github.com/23skdu/longbow-curvature/internal/metrics"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Publisher uploads records to an Arrow Flight server with DoPut. Each
// record travels under a PATH descriptor carrying its name.
type Publisher struct {
	client  flight.Client
	addr    string
	timeout time.Duration
	log     *logger.Logger
}

func NewPublisher(addr string) (*Publisher, error) {
	client, err := flight.NewClientWithMiddleware(addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create Flight client: %w", err)
	}
	return &Publisher{
		client:  client,
		addr:    addr,
		timeout: 30 * time.Second,
		log:     logger.Log.With("export"),
	}, nil
}

func (p *Publisher) Close() error {
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}

func (p *Publisher) Put(ctx context.Context, name string, rec arrow.Record) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	stream, err := p.client.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("failed to open DoPut stream: %w", err)
	}
	w := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()))
	w.SetFlightDescriptor(&flight.FlightDescriptor{Type: flight.DescriptorPATH, Path: []string{name}})
	if err := w.Write(rec); err != nil {
		w.Close()
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("failed to close send: %w", err)
	}
	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("DoPut failed: %w", err)
		}
	}

	metrics.RecordExport("flight", 1)
	p.log.Debug("record published", "addr", p.addr, "name", name, "rows", rec.NumRows())
	return nil
}

// Collector is a Flight service that keeps every record it is sent, keyed by
// descriptor path. It backs local inspection and tests.
type Collector struct {
	flight.BaseFlightServer

	mem     memory.Allocator
	mu      sync.Mutex
	records map[string][]arrow.Record
}

func NewCollector(mem memory.Allocator) *Collector {
	return &Collector{mem: mem, records: make(map[string][]arrow.Record)}
}

func (c *Collector) DoPut(stream flight.FlightService_DoPutServer) error {
	rdr, err := flight.NewRecordReader(stream, ipc.WithAllocator(c.mem))
	if err != nil {
		return err
	}
	defer rdr.Release()

	desc := rdr.LatestFlightDescriptor()
	if desc == nil || len(desc.Path) == 0 {
		return fmt.Errorf("DoPut needs a path descriptor")
	}
	name := desc.Path[0]

	n := 0
	for rdr.Next() {
		rec := rdr.Record()
		rec.Retain()
		c.mu.Lock()
		c.records[name] = append(c.records[name], rec)
		c.mu.Unlock()
		n++
	}
	if err := rdr.Err(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return stream.Send(&flight.PutResult{AppMetadata: []byte(fmt.Sprintf("%s:%d", name, n))})
}

// Records returns what was received under name.
func (c *Collector) Records(name string) []arrow.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]arrow.Record(nil), c.records[name]...)
}

// Release drops every held record.
func (c *Collector) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, recs := range c.records {
		for _, rec := range recs {
			rec.Release()
		}
	}
	c.records = make(map[string][]arrow.Record)
}

// Serve starts a Flight server for the collector on addr and returns it
// running. Call Shutdown on the result to stop it.
func Serve(addr string, c *Collector) (flight.Server, error) {
	srv := flight.NewServerWithMiddleware(nil)
	if err := srv.Init(addr); err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	srv.RegisterFlightService(c)
	go func() {
		if err := srv.Serve(); err != nil {
			logger.Log.With("export").Error("flight server stopped", "err", err)
		}
	}()
	return srv, nil
}
