package graph

import "github.com/OFFIS-RIT/kinfetch/pkg/remote"

const (
	defaultBatchSize        = 200
	defaultParallelRequests = 10
)

// GraphClient acquires record graphs from a data source. It controls how
// many persons are requested per batch and how many detail requests run
// concurrently.
//
// A GraphClient should be created using NewGraphClient.
type GraphClient struct {
	batchSize        int
	parallelRequests int
}

// NewGraphClientParams defines the configuration parameters for creating
// a new GraphClient.
//
// BatchSize is the maximum number of persons fetched per batch request.
// ParallelRequests caps the detail requests in flight at any time.
type NewGraphClientParams struct {
	BatchSize        int
	ParallelRequests int
}

// NewGraphClient creates and returns a new GraphClient configured with
// the provided parameters.
//
// Example:
//
//	params := graph.NewGraphClientParams{
//		BatchSize:        200,
//		ParallelRequests: 10,
//	}
//	client, err := graph.NewGraphClient(params)
//	if err != nil {
//		log.Fatal(err)
//	}
//
// Returns a pointer to GraphClient and an error if initialization fails.
func NewGraphClient(params NewGraphClientParams) (*GraphClient, error) {
	batchSize := params.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	parallel := params.ParallelRequests
	if parallel <= 0 {
		parallel = defaultParallelRequests
	}
	g := &GraphClient{
		batchSize:        batchSize,
		parallelRequests: parallel,
	}

	return g, nil
}

// NewTree returns an empty tree that fetches through client.
func (g *GraphClient) NewTree(client remote.Client) *Tree {
	return newTree(client, g.batchSize, g.parallelRequests)
}
