package mcts

import (
	"math/rand"

	"github.com/chewxy/math32"
	exprand "golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distmv"
)

// DirichletNoise samples a symmetric Dirichlet(alpha) distribution over n
// categories.
func DirichletNoise(alpha float32, n int, seed uint64) []float32 {
	alphas := make([]float64, n)
	for i := range alphas {
		alphas[i] = float64(alpha)
	}
	dist := distmv.NewDirichlet(alphas, exprand.NewSource(seed))
	sample := dist.Rand(nil)
	noise := make([]float32, n)
	for i, v := range sample {
		noise[i] = float32(v)
	}
	return noise
}

// GumbelNoise samples n independent standard Gumbel variates by inverse
// transform.
func GumbelNoise(n int, rng *rand.Rand) []float32 {
	noise := make([]float32, n)
	for i := range noise {
		u := rng.Float64()
		for u == 0 {
			u = rng.Float64()
		}
		noise[i] = -math32.Log(-math32.Log(float32(u)))
	}
	return noise
}

// ApplyDirichletToChildren mixes Dirichlet noise into the policy of every
// child of node: policy <- (1-epsilon)*policy + epsilon*noise.
func (s *Search) ApplyDirichletToChildren(node *Node, alpha, epsilon float32, seed uint64) {
	noise := DirichletNoise(alpha, node.NumChildren(), seed)
	for i := 0; i < node.NumChildren(); i++ {
		child := s.tree.Child(node, i)
		child.PolicyNoise = noise[i]
		child.Policy = (1-epsilon)*child.Policy + epsilon*noise[i]
	}
}

// ApplyGumbelToChildren perturbs every child's policy logit with Gumbel
// noise, the sampling step of the sequential-halving procedure.
func (s *Search) ApplyGumbelToChildren(node *Node) {
	noise := GumbelNoise(node.NumChildren(), s.rng)
	for i := 0; i < node.NumChildren(); i++ {
		child := s.tree.Child(node, i)
		child.PolicyNoise = noise[i]
		child.PolicyLogit += noise[i]
	}
}
