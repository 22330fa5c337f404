package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
	"k8s.io/klog/v2"
)

var (
	COMMA  = ","
	SKIP   = 0
	PIXELS = 0
	NOISE  = 0.1
)

func init() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(),
			`Computes average per-pixel negative log predictive density
of reconstructions written by svgpvae -test. Invocation:
	%s  [OPTIONS] -k PIXELS < PREDICTIONS
`, os.Args[0])
		flag.PrintDefaults()
	}
	flag.StringVar(&COMMA, "comma", COMMA, "field separator")
	flag.IntVar(&SKIP, "s", SKIP, "initial records to skip")
	flag.IntVar(&PIXELS, "k", PIXELS, "pixels per image (required)")
	flag.Float64Var(&NOISE, "noise", NOISE, "observation noise")
}

// nlpd is the negative log predictive density per pixel of an
// image with summed squared error sse.
func nlpd(sse float64, k int, noise float64) float64 {
	vari := noise * noise
	return 0.5 * (math.Log(2*math.Pi*vari) + sse/(float64(k)*vari))
}

// average reads predictions and returns the mean per-pixel
// NLPD over the records. The summed squared error of an image
// is the last field of its record.
func average(rdr io.Reader, comma rune, skip, k int, noise float64) (float64, error) {
	if k <= 0 {
		return 0, errors.Errorf("%d pixels per image", k)
	}
	if !(noise > 0) {
		return 0, errors.Errorf("noise %v", noise)
	}
	csv := csv.NewReader(rdr)
	csv.Comma = comma
	csv.FieldsPerRecord = -1

	var values []float64
	for n := 0; ; n++ {
		record, err := csv.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
		if n < skip {
			continue
		}
		sse, err := strconv.ParseFloat(record[len(record)-1], 64)
		if err != nil {
			return 0, errors.Wrapf(err, "record %d", n)
		}
		values = append(values, nlpd(sse, k, noise))
	}
	if len(values) == 0 {
		return 0, errors.New("no records")
	}
	return stat.Mean(values, nil), nil
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if PIXELS <= 0 {
		flag.Usage()
		klog.Exitf("-k is required")
	}

	v, err := average(os.Stdin, rune(COMMA[0]), SKIP, PIXELS, NOISE)
	if err != nil {
		klog.Exitf("%v", err)
	}
	fmt.Printf("%f\n", v)
}
