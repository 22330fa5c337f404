package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"bitbucket.org/dtolpin/infergo/infer"
	"bitbucket.org/dtolpin/svgpvae/config"
	"bitbucket.org/dtolpin/svgpvae/model"
	"bitbucket.org/dtolpin/svgpvae/priors"
	"bitbucket.org/dtolpin/svgpvae/svgp"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/stat"
	"k8s.io/klog/v2"
)

var (
	CONFIG = ""
	TEST   = ""
	FIT    = 0
	PRIORS = false
)

func init() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(),
			`Sparse GP prior over the latent space of an autoencoder.
Invocation:
  %s [OPTIONS] -config MODEL.yaml < TRAIN > PREDICTIONS
or
  %s [OPTIONS] selfcheck
Rows are object_id,view,object features...,pixels... The ELBO of
the training data is reported; with -test, posterior means at the
test points are written out as object_id,view,z...,sse.
In 'selfcheck' mode, the data hard-coded into the program is used,
to demonstrate basic functionality.
`, os.Args[0], os.Args[0])
		flag.PrintDefaults()
	}
	flag.StringVar(&CONFIG, "config", CONFIG, "model configuration")
	flag.StringVar(&TEST, "test", TEST, "test data")
	flag.IntVar(&FIT, "fit", FIT, "optimizer iterations")
	flag.BoolVar(&PRIORS, "priors", PRIORS, "hyperparameter priors")
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	var (
		input   io.Reader = os.Stdin
		output  io.Writer = os.Stdout
		cfgrdr  io.Reader
		testrdr io.Reader
	)
	switch {
	case flag.NArg() == 0:
		if CONFIG == "" {
			klog.Exitf("-config is required")
		}
		f, err := os.Open(CONFIG)
		if err != nil {
			klog.Exitf("config: %v", err)
		}
		defer f.Close()
		cfgrdr = f
		if TEST != "" {
			f, err := os.Open(TEST)
			if err != nil {
				klog.Exitf("test data: %v", err)
			}
			defer f.Close()
			testrdr = f
		}
	case flag.NArg() == 1 && flag.Arg(0) == "selfcheck":
		input = strings.NewReader(selfCheckData)
		cfgrdr = strings.NewReader(selfCheckConfig)
		testrdr = strings.NewReader(selfCheckTest)
	default:
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(cfgrdr)
	if err != nil {
		klog.Exitf("%v", err)
	}
	dec, err := cfg.NewDecoder()
	if err != nil {
		klog.Exitf("decoder: %v", err)
	}
	shape := cfg.Shape()
	width := 2 + cfg.ObjectDim()

	// Load the data
	klog.Infof("loading...")
	aux, images, err := load(input, width, shape.Pixels())
	if err != nil {
		klog.Exitf("training data: %v", err)
	}
	n, _ := aux.Dims()
	klog.Infof("loaded %d training rows", n)

	gp, err := svgp.New(cfg.SVGP(n))
	if err != nil {
		klog.Exitf("svgp: %v", err)
	}

	r, err := model.Forward(gp, dec, shape, images, aux)
	if err != nil {
		klog.Exitf("forward: %+v", err)
	}
	report("initial", r)

	if FIT > 0 {
		m := &model.Objective{
			GP:      gp,
			Decoder: dec,
			Shape:   shape,
			Images:  images,
			Aux:     aux,
		}
		if PRIORS {
			m.Priors = &priors.Hyper{Fixed: gp.FixedGP}
		}
		klog.Infof("fitting...")
		fit(m)
		r, err = model.Forward(gp, dec, shape, images, aux)
		if err != nil {
			klog.Exitf("forward: %+v", err)
		}
		report("final", r)
	}

	sum := gp.Summary()
	klog.Infof("length scale %.4g, amplitude %.4g, noise %.4g (v%d)",
		sum.LengthScale, sum.Amplitude, sum.Noise, sum.Version)

	if testrdr == nil {
		return
	}
	aux, images, err = load(testrdr, width, shape.Pixels())
	if err != nil {
		klog.Exitf("test data: %v", err)
	}
	p, err := model.Predict(gp, dec, shape, images, aux)
	if err != nil {
		klog.Exitf("predict: %+v", err)
	}
	klog.Infof("test reconstruction error %.6g per pixel, %.6g ± %.4g per image",
		p.ReconError, stat.Mean(p.RowErrors, nil), stat.StdDev(p.RowErrors, nil))

	// Output predictions
	nt, nl := p.Latent.Dims()
	for i := 0; i != nt; i++ {
		fmt.Fprintf(output, "%g,%f", aux.At(i, 0), aux.At(i, 1))
		for l := 0; l != nl; l++ {
			fmt.Fprintf(output, ",%f", p.Latent.At(i, l))
		}
		fmt.Fprintf(output, ",%f\n", p.RowErrors[i])
	}
}

// fit maximizes the objective, starting from the current
// parameters.
func fit(m *model.Objective) {
	x := m.GP.Pack()
	Func, Grad := infer.FuncGrad(m)
	p := optimize.Problem{Func: Func, Grad: Grad}

	result, err := optimize.Minimize(
		p, x, &optimize.Settings{
			MajorIterations: FIT,
		}, nil)
	if result == nil {
		klog.Exitf("failed to optimize: %v", err)
	}
	// A few iterations bring most of the improvement, the
	// optimizer does not have to converge. Report only
	// failures on the first iteration.
	if err != nil && result.Stats.MajorIterations <= 1 {
		klog.Warningf("failed to optimize: %v", err)
	}
	if m.Err != nil {
		klog.Warningf("objective: %v", m.Err)
	}
	if err := m.GP.Unpack(result.X); err != nil {
		klog.Exitf("unpack: %v", err)
	}
	klog.Infof("%d iterations, %d evaluations",
		result.Stats.MajorIterations, result.Stats.FuncEvaluations)
}

func report(what string, r *model.Result) {
	klog.Infof("%s: ELBO %.6g, reconstruction error %.6g, "+
		"inside ELBO %.6g (recon %.6g, KL %.6g)",
		what, r.ELBO, r.ReconError, r.InsideELBO, r.InsideRecon, r.InsideKL)
	for l := range r.Recon {
		klog.V(1).Infof("  channel %d: recon %.6g, KL %.6g",
			l, r.Recon[l], r.KL[l])
	}
}

// load parses the data from csv and returns auxiliary features
// (the first width columns) and flattened images (the next
// pixels columns).
func load(rdr io.Reader, width, pixels int) (
	aux, images *mat.Dense,
	err error,
) {
	var auxData, imgData []float64
	csv := csv.NewReader(rdr)
	csv.FieldsPerRecord = width + pixels
	n := 0
RECORDS:
	for {
		record, err := csv.Read()
		switch err {
		case nil:
			// record contains the data
			for i, field := range record {
				v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
				if err != nil {
					// data error
					return nil, nil, errors.Wrapf(err, "row %d", n+1)
				}
				if i < width {
					auxData = append(auxData, v)
				} else {
					imgData = append(imgData, v)
				}
			}
			n++
		case io.EOF:
			// end of file
			break RECORDS
		default:
			// i/o or format error
			return nil, nil, err
		}
	}
	if n == 0 {
		return nil, nil, errors.New("no data")
	}

	return mat.NewDense(n, width, auxData),
		mat.NewDense(n, pixels, imgData),
		nil
}

var selfCheckConfig = `
latent_channels: 2
jitter: 1.0e-6
inducing_points:
  - [0, 0.0, 1]
  - [0, 1.2566, 1]
  - [0, 2.5133, 1]
  - [0, 3.7699, 1]
  - [0, 5.0265, 1]
image: {width: 2, height: 2, channels: 1}
decoder:
  weights:
    - [1.0, 0.5, -0.5, 0.0]
    - [0.0, 0.5, 0.5, 1.0]
`

var selfCheckData = `0,0.1,1,0.98,0.71,-0.31,0.22
0,0.5,1,0.81,0.77,-0.05,0.63
0,0.9,1,0.55,0.69,0.18,0.89
0,1.3,1,0.21,0.52,0.33,1.01
0,1.7,1,-0.13,0.30,0.41,0.97
0,2.1,1,-0.45,0.05,0.43,0.81
0,2.5,1,-0.73,-0.20,0.38,0.57
0,2.9,1,-0.92,-0.41,0.27,0.25
0,3.3,1,-0.99,-0.58,0.10,-0.09
0,3.7,1,-0.93,-0.66,-0.11,-0.41
0,4.1,1,-0.74,-0.66,-0.31,-0.69
0,4.5,1,-0.47,-0.58,-0.47,-0.88
0,4.9,1,-0.15,-0.41,-0.55,-0.97
0,5.3,1,0.19,-0.19,-0.55,-0.93
0,5.7,1,0.50,0.06,-0.45,-0.76
0,6.1,1,0.79,0.33,-0.25,-0.46
`

var selfCheckTest = `0,0.3,1,0.91,0.75,-0.18,0.44
0,2.3,1,-0.60,-0.08,0.41,0.70
0,4.3,1,-0.62,-0.63,-0.40,-0.80
0,6.0,1,0.72,0.26,-0.31,-0.55
`
