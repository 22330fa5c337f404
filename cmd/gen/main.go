package main

import (
	"flag"
	"fmt"
	"math"
	"math/rand"
	"os"

	"bitbucket.org/dtolpin/svgpvae/config"
	"bitbucket.org/dtolpin/svgpvae/kernel"
	"bitbucket.org/dtolpin/svgpvae/svgp"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"
	"k8s.io/klog/v2"
)

var (
	CONFIG  = ""
	N       = 100
	OBJECTS = 3
	SEED    = int64(1)
)

func init() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(),
			`Generate test data: objects seen from random views, with
latent channels drawn from the GP prior and decoded into
noisy images. Invocation:
	%s  [OPTIONS] -config MODEL.yaml > DATA
`, os.Args[0])
		flag.PrintDefaults()
	}
	flag.StringVar(&CONFIG, "config", CONFIG, "model configuration")
	flag.IntVar(&N, "n", N, "number of rows")
	flag.IntVar(&OBJECTS, "objects", OBJECTS,
		"number of objects, when the configuration has no object vectors")
	flag.Int64Var(&SEED, "seed", SEED, "random seed")
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	rand.Seed(SEED)

	f, err := os.Open(CONFIG)
	if err != nil {
		klog.Exitf("config: %v", err)
	}
	cfg, err := config.Load(f)
	f.Close()
	if err != nil {
		klog.Exitf("%v", err)
	}
	dec, err := cfg.NewDecoder()
	if err != nil {
		klog.Exitf("decoder: %v", err)
	}
	gp, err := svgp.New(cfg.SVGP(N))
	if err != nil {
		klog.Exitf("svgp: %v", err)
	}
	p := gp.Params()

	// Object features: the embedding table if there is one,
	// random unit vectors otherwise.
	dobj := cfg.ObjectDim()
	var objects *mat.Dense
	if o, ok := p.Objects.(kernel.Learned); ok {
		objects = o.Table
	} else {
		objects = mat.NewDense(OBJECTS, dobj, nil)
		for i := 0; i != OBJECTS; i++ {
			row := objects.RawRowView(i)
			norm := 0.
			for j := range row {
				row[j] = rand.NormFloat64()
				norm += row[j] * row[j]
			}
			for j := range row {
				row[j] /= math.Sqrt(norm)
			}
		}
	}
	nobj, _ := objects.Dims()

	aux := mat.NewDense(N, 2+dobj, nil)
	for i := 0; i != N; i++ {
		id := rand.Intn(nobj)
		aux.Set(i, 0, float64(id))
		aux.Set(i, 1, 2*math.Pi*rand.Float64())
		for j := 0; j != dobj; j++ {
			aux.Set(i, 2+j, objects.At(id, j))
		}
	}

	// Latent channels are independent draws from the prior.
	K, err := p.Kernel(gp.Normalize).Matrix(aux, kernel.Training,
		aux, kernel.Training)
	if err != nil {
		klog.Exitf("kernel: %v", err)
	}
	sigma := mat.NewSymDense(N, nil)
	for i := 0; i != N; i++ {
		for j := i; j != N; j++ {
			sigma.SetSym(i, j, K.At(i, j))
		}
		sigma.SetSym(i, i, sigma.At(i, i)+math.Max(gp.Jitter, 1e-8))
	}
	prior, ok := distmv.NewNormal(make([]float64, N), sigma, nil)
	if !ok {
		klog.Exitf("prior covariance is not positive definite")
	}
	z := mat.NewDense(N, gp.L(), nil)
	for l := 0; l != gp.L(); l++ {
		z.SetCol(l, prior.Rand(nil))
	}

	images, err := dec.Decode(z)
	if err != nil {
		klog.Exitf("decode: %v", err)
	}
	_, k := images.Dims()
	for i := 0; i != N; i++ {
		for j := 0; j != 2+dobj; j++ {
			if j > 0 {
				fmt.Print(",")
			}
			fmt.Printf("%g", aux.At(i, j))
		}
		for j := 0; j != k; j++ {
			fmt.Printf(",%f", images.At(i, j)+p.Noise*rand.NormFloat64())
		}
		fmt.Println()
	}
}
