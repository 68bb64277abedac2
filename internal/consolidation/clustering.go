package consolidation

import (
	"context"

	"github.com/evermem/evermem/internal/embedding"
	"github.com/evermem/evermem/pkg/types"
)

// clusterEpsilon is the DBSCAN neighborhood radius expressed as a
// minimum cosine similarity.
const clusterEpsilon = 0.75

// clusterPhase groups semantically close candidates. Clusters feed the
// compression phase.
func (e *Engine) clusterPhase(ctx context.Context, state *runState, result *PhaseResult) error {
	if err := e.loadVectors(ctx, state); err != nil {
		return err
	}

	var members []*types.Memory
	var vectors [][]float32
	for _, m := range state.candidates {
		if vec, ok := state.vectors[m.ContentHash]; ok {
			members = append(members, m)
			vectors = append(vectors, vec)
		}
	}
	result.Processed = len(members)
	if len(members) < e.opts.MinClusterSize {
		return nil
	}

	var labels []int
	switch e.opts.Clustering {
	case "dbscan":
		labels = dbscan(vectors, clusterEpsilon, e.opts.MinClusterSize)
	case "hierarchical":
		labels = hierarchical(vectors, clusterEpsilon)
	default:
		labels = simpleThreshold(vectors, clusterEpsilon)
	}

	byLabel := map[int][]*types.Memory{}
	for i, label := range labels {
		if label < 0 {
			continue // noise
		}
		byLabel[label] = append(byLabel[label], members[i])
	}

	state.clusters = nil
	for _, cluster := range byLabel {
		if len(cluster) >= e.opts.MinClusterSize {
			state.clusters = append(state.clusters, cluster)
		}
	}
	result.Details = map[string]int{"clusters": len(state.clusters)}
	return nil
}

// dbscan labels points by density: a point with at least minPts
// neighbors within epsilon seeds a cluster that grows through its
// dense neighbors. Unreachable points stay labeled -1 (noise).
func dbscan(vectors [][]float32, epsilon float64, minPts int) []int {
	n := len(vectors)
	labels := make([]int, n)
	for i := range labels {
		labels[i] = -1
	}

	neighbors := func(i int) []int {
		var out []int
		for j := 0; j < n; j++ {
			if j != i && embedding.CosineSimilarity(vectors[i], vectors[j]) >= epsilon {
				out = append(out, j)
			}
		}
		return out
	}

	cluster := 0
	visited := make([]bool, n)
	for i := 0; i < n; i++ {
		if visited[i] {
			continue
		}
		visited[i] = true

		seed := neighbors(i)
		if len(seed)+1 < minPts {
			continue
		}
		labels[i] = cluster

		queue := seed
		for len(queue) > 0 {
			j := queue[0]
			queue = queue[1:]
			if labels[j] == -1 {
				labels[j] = cluster
			}
			if visited[j] {
				continue
			}
			visited[j] = true
			next := neighbors(j)
			if len(next)+1 >= minPts {
				queue = append(queue, next...)
			}
		}
		cluster++
	}
	return labels
}

// hierarchical is an approximate single-linkage agglomeration: points
// join the first existing cluster any member of which is within
// epsilon, else found a new one. One pass, no dendrogram.
func hierarchical(vectors [][]float32, epsilon float64) []int {
	n := len(vectors)
	labels := make([]int, n)
	for i := range labels {
		labels[i] = -1
	}

	var clusters [][]int
	for i := 0; i < n; i++ {
		joined := -1
		for c, members := range clusters {
			for _, j := range members {
				if embedding.CosineSimilarity(vectors[i], vectors[j]) >= epsilon {
					joined = c
					break
				}
			}
			if joined >= 0 {
				break
			}
		}
		if joined < 0 {
			joined = len(clusters)
			clusters = append(clusters, nil)
		}
		clusters[joined] = append(clusters[joined], i)
		labels[i] = joined
	}
	return labels
}

// simpleThreshold assigns each point to the cluster of the first
// earlier point within epsilon. Centroid-free and order-dependent, but
// cheap; the minimum-size gate filters the resulting fragments.
func simpleThreshold(vectors [][]float32, epsilon float64) []int {
	n := len(vectors)
	labels := make([]int, n)
	next := 0
	for i := 0; i < n; i++ {
		labels[i] = -1
		for j := 0; j < i; j++ {
			if labels[j] >= 0 && embedding.CosineSimilarity(vectors[i], vectors[j]) >= epsilon {
				labels[i] = labels[j]
				break
			}
		}
		if labels[i] == -1 {
			labels[i] = next
			next++
		}
	}
	return labels
}
