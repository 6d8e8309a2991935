// tilemesh-demo multiplies two randomly generated distributed matrices on an
// in-process cluster, exercising the whole tile engine: block-cyclic
// distribution, life-scoped tile broadcast, device staging and gather.
//
// Every rank of the PxQ process grid runs as a goroutine over the channel
// transport. The multiplication is the classic broadcast algorithm: at step k
// the owners of column k of A and row k of B broadcast their tiles to the
// ranks that will consume them, every rank updates its local C tiles in
// parallel, and the replicas are ticked away as they are used up.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/janpfeifer/must"
	"github.com/schollz/progressbar/v3"
	"gonum.org/v1/gonum/blas"
	"k8s.io/klog/v2"

	"github.com/tilemesh/tilemesh/comms"
	"github.com/tilemesh/tilemesh/comms/inproc"
	"github.com/tilemesh/tilemesh/devices/hostsim"
	"github.com/tilemesh/tilemesh/internal/workerspool"
	"github.com/tilemesh/tilemesh/kernels"
	"github.com/tilemesh/tilemesh/matrix"
	"github.com/tilemesh/tilemesh/types/xsync"
)

var (
	flagN       = flag.Int("n", 512, "Matrix dimension: A, B and C are n x n.")
	flagNb      = flag.Int("nb", 64, "Tile size. The last tile row/column may be smaller.")
	flagP       = flag.Int("p", 2, "Process grid rows.")
	flagQ       = flag.Int("q", 2, "Process grid columns.")
	flagDevices = flag.Int("devices", 0, "Simulated devices per rank. 0 keeps every tile host-only; "+
		"with devices, broadcast tiles are additionally staged onto each of them.")
	flagHalf = flag.Bool("half", false, "Transmit tiles in half precision (float16 on the wire).")
	flagOut  = flag.String("out", "", "Write the gathered result to this file, one column-major value per line.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagN <= 0 || *flagNb <= 0 || *flagP <= 0 || *flagQ <= 0 {
		klog.Errorf("Invalid dimensions n=%d nb=%d p=%d q=%d. See 'tilemesh-demo -help'.",
			*flagN, *flagNb, *flagP, *flagQ)
		os.Exit(1)
	}
	run()
}

// rankReport is what each rank hands back to the driver for the final summary.
type rankReport struct {
	poolAlloc string
	lifeGrid  string    // Rank 0 only: A's life grid after the multiply.
	result    []float64 // Rank 0 only: the gathered C, column-major.
}

func run() {
	size := (*flagP) * (*flagQ)
	cluster := inproc.NewCluster(size)
	start := xsync.NewLatch()
	reports := make([]rankReport, size)

	var wg sync.WaitGroup
	for rank := 0; rank < size; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			reports[rank] = runRank(cluster, rank, start)
		}(rank)
	}
	start.Trigger()
	wg.Wait()

	printReport(cluster, reports)
}

func runRank(cluster *inproc.Cluster, rank int, start *xsync.Latch) rankReport {
	cfg := matrix.Config{
		M: *flagN, N: *flagN, TileSize: *flagNb,
		GridP: *flagP, GridQ: *flagQ,
		Comm:     comms.NewComm(cluster.Transport(rank)),
		HalfWire: *flagHalf,
	}
	if *flagDevices > 0 {
		cfg.Device = hostsim.New(strconv.Itoa(*flagDevices))
	}
	a, b, c := matrix.New(cfg), matrix.New(cfg), matrix.New(cfg)
	a.Random()
	b.Random()
	c.Random()
	for i := 0; i < c.Mt(); i++ {
		for j := 0; j < c.Nt(); j++ {
			if t, ok := c.TryTile(i, j); ok {
				t.Fill(0)
			}
		}
	}

	start.Wait()
	multiply(a, b, c, rank == 0)

	// Every replica must have been consumed exactly as declared.
	a.CheckLife()
	b.CheckLife()

	report := rankReport{poolAlloc: a.Pool().AllocatedString()}
	if rank == 0 {
		report.lifeGrid = a.LifeString()
	}
	c.Gather(0)
	if rank == 0 {
		n := *flagN
		report.result = make([]float64, n*n)
		c.StoreTo(report.result, n)
	}
	return report
}

func multiply(a, b, c *matrix.Matrix, showProgress bool) {
	mt, nt := c.Mt(), c.Nt()
	target := matrix.ToHost
	if c.NumDevices() > 0 {
		target = matrix.ToDevices
	}

	var bar *progressbar.ProgressBar
	if showProgress {
		bar = progressbar.NewOptions(nt,
			progressbar.OptionSetDescription("multiply"),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("steps"),
			progressbar.OptionSetTheme(progressbar.ThemeASCII))
	}

	pool := workerspool.New()
	for k := 0; k < nt; k++ {
		// Owners of column k of A replicate each tile to the ranks holding
		// the matching row of C; likewise row k of B for the columns of C.
		for i := 0; i < mt; i++ {
			a.BcastTile(i, k, target, matrix.Range{I1: i, I2: i, J1: 0, J2: nt - 1})
		}
		for j := 0; j < nt; j++ {
			b.BcastTile(k, j, target, matrix.Range{I1: 0, I2: mt - 1, J1: j, J2: j})
		}

		for i := 0; i < mt; i++ {
			for j := 0; j < nt; j++ {
				if !c.TileIsLocal(i, j) {
					continue
				}
				i, j := i, j
				pool.Go(func() {
					kernels.Gemm(blas.NoTrans, blas.NoTrans, 1, a.Tile(i, k), b.Tile(k, j), 1, c.Tile(i, j))
					if !a.TileIsLocal(i, k) {
						a.Tick(i, k)
					}
					if !b.TileIsLocal(k, j) {
						b.Tick(k, j)
					}
				})
			}
		}
		pool.Wait()
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	if bar != nil {
		fmt.Println()
	}
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 2, 0, 2)
	gridStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("6")).PaddingLeft(2)
)

func printReport(cluster *inproc.Cluster, reports []rankReport) {
	fmt.Println(titleStyle.Render("tilemesh demo: C = A*B"))

	stats := cluster.Stats()
	table := lgtable.New().
		Border(lipgloss.NormalBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			s := lipgloss.NewStyle().Padding(0, 1)
			if col == 0 {
				s = s.Align(lipgloss.Right)
			}
			return s
		})
	table.Row("matrix", fmt.Sprintf("%d x %d, tile size %d", *flagN, *flagN, *flagNb))
	table.Row("process grid", fmt.Sprintf("%d x %d", *flagP, *flagQ))
	table.Row("devices per rank", strconv.Itoa(*flagDevices))
	table.Row("half-precision wire", strconv.FormatBool(*flagHalf))
	table.Row("sends", humanize.Comma(stats.Sends))
	table.Row("broadcasts", humanize.Comma(stats.Bcasts))
	table.Row("subgroups", humanize.Comma(stats.Groups))
	for rank, r := range reports {
		table.Row(fmt.Sprintf("rank %d pool", rank), r.poolAlloc)
	}
	var sum float64
	for _, v := range reports[0].result {
		sum += v
	}
	table.Row("checksum", fmt.Sprintf("%.6g", sum))
	fmt.Println(table.Render())

	fmt.Println("Rank 0 life grid of A after the multiply (all replicas consumed):")
	fmt.Println(gridStyle.Render(reports[0].lifeGrid))

	if *flagOut != "" {
		f := must.M1(os.Create(*flagOut))
		w := bufio.NewWriter(f)
		for _, v := range reports[0].result {
			must.M1(fmt.Fprintf(w, "%.17g\n", v))
		}
		must.M(w.Flush())
		must.M(f.Close())
		fmt.Printf("Result written to %s\n", *flagOut)
	}
}
