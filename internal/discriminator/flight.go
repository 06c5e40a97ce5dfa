package discriminator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-seqgan/internal/logger"
	"github.com/23skdu/longbow-seqgan/internal/metrics"
	"github.com/23skdu/longbow-seqgan/internal/seqio"
)

// TruthProbCommand tags DoExchange streams that carry scoring requests.
const TruthProbCommand = "truth_prob"

// FlightClient scores sequences on a remote discriminator over Arrow Flight. Each
// TruthProb call opens its own DoExchange stream, so one client can serve many
// concurrent rollouts.
type FlightClient struct {
	addr   string
	client flight.Client
	mem    memory.Allocator
	log    *logger.Logger
}

// Dial connects to a Flight discriminator at addr.
func Dial(addr string) (*FlightClient, error) {
	client, err := flight.NewClientWithMiddleware(addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("flight dial %s: %w", addr, err)
	}
	return &FlightClient{
		addr:   addr,
		client: client,
		mem:    memory.NewGoAllocator(),
		log:    logger.Log.With("flight_client"),
	}, nil
}

func (c *FlightClient) Close() error {
	return c.client.Close()
}

func (c *FlightClient) TruthProb(ctx context.Context, sequences [][]int) ([]float64, error) {
	start := time.Now()
	defer func() { metrics.RecordDiscriminator("flight", time.Since(start)) }()

	rec, err := seqio.TokensRecord(c.mem, sequences)
	if err != nil {
		return nil, err
	}
	defer rec.Release()

	stream, err := c.client.DoExchange(ctx)
	if err != nil {
		return nil, fmt.Errorf("open exchange with %s: %w", c.addr, err)
	}

	wr := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(c.mem))
	wr.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorCMD,
		Cmd:  []byte(TruthProbCommand),
	})
	if err := wr.Write(rec); err != nil {
		wr.Close()
		return nil, fmt.Errorf("send batch: %w", err)
	}
	if err := wr.Close(); err != nil {
		return nil, fmt.Errorf("finish batch: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("close send: %w", err)
	}

	rdr, err := flight.NewRecordReader(stream, ipc.WithAllocator(c.mem))
	if err != nil {
		return nil, fmt.Errorf("read scores: %w", err)
	}
	defer rdr.Release()

	scores := make([]float64, 0, len(sequences))
	for rdr.Next() {
		part, err := seqio.ScoresFromRecord(rdr.Record())
		if err != nil {
			return nil, err
		}
		scores = append(scores, part...)
	}
	if err := rdr.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read scores: %w", err)
	}
	c.log.Debug("scored batch", "addr", c.addr, "sequences", len(sequences), "scores", len(scores))
	return scores, nil
}

// FlightService answers DoExchange scoring requests with a local Scorer.
type FlightService struct {
	flight.BaseFlightServer

	scorer Scorer
	mem    memory.Allocator
	log    *logger.Logger
}

func NewFlightService(scorer Scorer) *FlightService {
	return &FlightService{
		scorer: scorer,
		mem:    memory.NewGoAllocator(),
		log:    logger.Log.With("flight_service"),
	}
}

// DoExchange reads token batches until the client closes its side and answers each
// with a truth_prob batch of the same length.
func (s *FlightService) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	rdr, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.mem))
	if err != nil {
		return fmt.Errorf("open exchange: %w", err)
	}
	defer rdr.Release()

	if desc := rdr.LatestFlightDescriptor(); desc != nil && string(desc.Cmd) != TruthProbCommand {
		return fmt.Errorf("unsupported command %q", desc.Cmd)
	}

	var wr *flight.Writer
	defer func() {
		if wr != nil {
			wr.Close()
		}
	}()

	for rdr.Next() {
		seqs, err := seqio.TokensFromRecord(rdr.Record())
		if err != nil {
			s.log.Warn("rejected batch", "error", err)
			return err
		}
		scores, err := s.scorer.TruthProb(stream.Context(), seqs)
		if err != nil {
			s.log.Error("scoring failed", err, "sequences", len(seqs))
			return err
		}

		out := seqio.ScoresRecord(s.mem, scores)
		if wr == nil {
			wr = flight.NewRecordWriter(stream, ipc.WithSchema(out.Schema()), ipc.WithAllocator(s.mem))
		}
		err = wr.Write(out)
		out.Release()
		if err != nil {
			return fmt.Errorf("send scores: %w", err)
		}
	}
	if err := rdr.Err(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// FlightServer hosts a FlightService on a gRPC listener.
type FlightServer struct {
	srv flight.Server
	log *logger.Logger
}

// NewFlightServer binds addr ("localhost:0" picks a free port) without serving yet.
func NewFlightServer(addr string, scorer Scorer) (*FlightServer, error) {
	srv := flight.NewServerWithMiddleware(nil)
	if err := srv.Init(addr); err != nil {
		return nil, fmt.Errorf("flight listen %s: %w", addr, err)
	}
	srv.RegisterFlightService(NewFlightService(scorer))
	return &FlightServer{srv: srv, log: logger.Log.With("flight_server")}, nil
}

func (s *FlightServer) Addr() string {
	return s.srv.Addr().String()
}

// Serve blocks until Shutdown is called.
func (s *FlightServer) Serve() error {
	s.log.Info("discriminator serving", "addr", s.Addr())
	return s.srv.Serve()
}

func (s *FlightServer) Shutdown() {
	s.srv.Shutdown()
}
