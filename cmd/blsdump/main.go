// Command blsdump builds a library kernel over a patched mesh, applies the
// block-local caching pass and prints what it did.
//
// Usage:
//
//	blsdump --kernel vertex_accumulate --nx 8 --ny 8 --arch cuda --ir
//	blsdump --kernel weighted_scatter --mesh cube.neu --okl
//	blsdump --kernel vertex_gather --exec --device
//	blsdump --kernel vertex_accumulate --nx 16 --ny 16 --patch-size 32 --metis --exec
package main

import (
	"context"
	"fmt"
	"github.com/notargets/meshbls/codegen"
	"github.com/notargets/meshbls/config"
	"github.com/notargets/meshbls/interp"
	"github.com/notargets/meshbls/ir"
	"github.com/notargets/meshbls/kernels"
	"github.com/notargets/meshbls/mesh"
	"github.com/notargets/meshbls/partitions"
	"github.com/notargets/meshbls/runner"
	"github.com/notargets/meshbls/transforms"
	"github.com/notargets/meshbls/utils"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"io"
	"os"
	"sort"
	"strings"
)

type options struct {
	kernel    string
	arch      string
	meshFile  string
	nx, ny    int
	patchSize int
	bfs       bool
	metis     bool
	blockDim  int
	nested    bool

	noCache   bool
	noToEnd   bool
	fromEnd   bool
	allAttr   bool
	noFast    bool
	verbose   bool
	printIR   bool
	printOKL  bool
	execute   bool
	useDevice bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:          "blsdump",
		Short:        "Apply block-local caching to a mesh kernel and dump the result",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}

	names := lo.Keys(kernels.Library)
	sort.Strings(names)

	f := cmd.Flags()
	f.StringVar(&opts.kernel, "kernel", kernels.VertexAccumulateName, "Library kernel ("+strings.Join(names, ", ")+")")
	f.StringVar(&opts.arch, "arch", "x64", "Target arch (x64, arm64, cuda, opencl)")
	f.StringVar(&opts.meshFile, "mesh", "", "Mesh file (Gambit neutral or Gmsh), overrides --nx/--ny")
	f.IntVar(&opts.nx, "nx", 4, "Grid cells in x")
	f.IntVar(&opts.ny, "ny", 4, "Grid cells in y")
	f.IntVar(&opts.patchSize, "patch-size", 4, "Target cells per patch")
	f.BoolVar(&opts.bfs, "bfs", true, "Order cells breadth first before cutting patches")
	f.BoolVar(&opts.metis, "metis", false, "Assign cells to patches with METIS k-way partitioning")
	f.IntVar(&opts.blockDim, "block-dim", 8, "Workers per block")
	f.BoolVar(&opts.nested, "nested", false, "Address attributes through l2g then g2r")
	f.BoolVar(&opts.noCache, "no-cache", false, "Skip the caching pass")
	f.BoolVar(&opts.noToEnd, "no-to-end", false, "Do not cache relation to-end mappings")
	f.BoolVar(&opts.fromEnd, "from-end", false, "Cache relation from-end mappings")
	f.BoolVar(&opts.allAttr, "all-attr", false, "Cache the mapping of every element type with cached attributes")
	f.BoolVar(&opts.noFast, "no-fast-path", false, "Load owned reordered indices instead of deriving them")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "Print the pass summary line")
	f.BoolVar(&opts.printIR, "ir", false, "Print the IR before and after the pass")
	f.BoolVar(&opts.printOKL, "okl", false, "Print the generated OKL kernel")
	f.BoolVar(&opts.execute, "exec", false, "Execute the kernel and print the attribute fields")
	f.BoolVar(&opts.useDevice, "device", false, "Execute on an OCCA device instead of the interpreter")
	return cmd
}

func (opts *options) compileConfig() (*config.CompileConfig, error) {
	arch, err := config.ParseArch(opts.arch)
	if err != nil {
		return nil, err
	}
	cfg := config.Default().WithArch(arch)
	cfg.MeshLocalizeToEndMapping = !opts.noToEnd
	cfg.MeshLocalizeFromEndMapping = opts.fromEnd
	cfg.MeshLocalizeAllAttrMappings = opts.allAttr
	cfg.OptimizeMeshReorderedMapping = !opts.noFast
	cfg.Verbose = opts.verbose
	return cfg, nil
}

func (opts *options) layout() (*mesh.Layout, error) {
	var topo *mesh.Topology
	if opts.meshFile != "" {
		var err error
		if topo, err = mesh.LoadTopology(opts.meshFile); err != nil {
			return nil, err
		}
	} else {
		if opts.nx <= 0 || opts.ny <= 0 {
			return nil, fmt.Errorf("grid dimensions must be positive, got %dx%d", opts.nx, opts.ny)
		}
		topo = mesh.GridTopology(opts.nx, opts.ny)
	}
	pb := &mesh.PatchBuilder{Topology: topo, TargetPatchSize: opts.patchSize}
	if opts.bfs {
		pb.Strategy = mesh.BreadthFirstPatch
	}
	if opts.metis {
		pb.Partitioner = partitions.NewMetisPartitioner()
	}
	return pb.Build()
}

func run(ctx context.Context, opts *options, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	build, ok := kernels.Library[opts.kernel]
	if !ok {
		return fmt.Errorf("unknown kernel %q", opts.kernel)
	}
	cfg, err := opts.compileConfig()
	if err != nil {
		return err
	}
	layout, err := opts.layout()
	if err != nil {
		return err
	}

	mb := kernels.BindLayout("mesh", layout)
	k := build(mb, kernels.Options{BlockDim: opts.blockDim, Nested: opts.nested})
	fmt.Fprintf(out, "mesh: %d cells, %d vertices, %d patches\n",
		layout.Topology.NumCells(), layout.Topology.NumVertices, layout.NumPatches)
	fmt.Fprintf(out, "config: %s\n", cfg)

	if opts.printIR {
		fmt.Fprintf(out, "\n# before\n%s", ir.Print(k.Root))
	}
	if !opts.noCache {
		report, err := transforms.RunOffload(k.Task, cfg, transforms.Args{KernelName: k.Name})
		if err != nil {
			return fmt.Errorf("kernel %s: %w", k.Name, err)
		}
		if err := ir.TypeCheck(k.Root); err != nil {
			return err
		}
		fmt.Fprintf(out, "report: %s\n", report)
	}
	if opts.printIR {
		fmt.Fprintf(out, "\n# after\n%s", ir.Print(k.Root))
	}
	if opts.printOKL {
		gen, err := codegen.Generate(k.Task, cfg.Arch)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "\n# okl\n%s", gen.Source)
	}
	if !opts.execute {
		return nil
	}

	var field func(*ir.Field) []float64
	if opts.useDevice {
		device, err := utils.CreateDevice(cfg.Arch)
		if err != nil {
			return err
		}
		defer device.Free()
		kr := runner.NewRunner(device, mb, cfg.Arch)
		defer kr.Free()
		if err := kr.Run(ctx, k.Root); err != nil {
			return err
		}
		fmt.Fprintf(out, "\n# device %s\n", device.Mode())
		field = kr.Field
	} else {
		ex := interp.NewExecutor(mb, cfg.Arch)
		if err := ex.Run(ctx, k.Root); err != nil {
			return err
		}
		fmt.Fprintf(out, "\n# interpreter\n")
		field = ex.Memory.Field
	}
	fieldNames := lo.Keys(k.Fields)
	sort.Strings(fieldNames)
	for _, name := range fieldNames {
		fmt.Fprintf(out, "%s = %v\n", name, field(k.Fields[name]))
	}
	return nil
}
