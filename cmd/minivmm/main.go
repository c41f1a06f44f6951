package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"github.com/schollz/progressbar/v3"

	"github.com/tinyrange/minivmm"
	"github.com/tinyrange/minivmm/internal/config"
	"github.com/tinyrange/minivmm/internal/console"
	"github.com/tinyrange/minivmm/internal/devices/uart"
	"github.com/tinyrange/minivmm/internal/disasm"
	"github.com/tinyrange/minivmm/internal/loader"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "minivmm: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "Machine file (default: ./"+config.DefaultFilename+" if present)")
	kernel := flag.String("kernel", "", "Kernel image to boot")
	format := flag.String("format", "", "Kernel image format: elf or bin (default: from the file name)")
	loadAddress := flag.String("load-address", "", "Guest physical address of a bin image")
	mem := flag.String("mem", "", "Guest memory size, e.g. 64MiB")
	debug := flag.Bool("debug", false, "Enable debug logging")
	inspect := flag.Bool("inspect", false, "Print the ELF image layout and exit without booting")
	screen := flag.Bool("screen", false, "Render guest output on an emulated terminal and print the final screen")
	timeout := flag.Duration("timeout", 0, "Stop the guest after this long (0: no limit)")
	trace := flag.Bool("disasm", false, "Log the guest instructions at every exit (implies -debug)")
	zeroBSS := flag.Bool("zero-bss", false, "Clear the memory of ELF segments beyond their file contents")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] [kernel]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Boot a kernel image in a single-vCPU virtual machine.\n\n")
		fmt.Fprintf(os.Stderr, "Examples:\n")
		fmt.Fprintf(os.Stderr, "  %s vmlinux\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -format bin -load-address 0x10000 halt.bin\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -inspect vmlinux\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	level := slog.LevelInfo
	if *debug || *trace {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if flag.NArg() > 1 {
		flag.Usage()
		return fmt.Errorf("at most one kernel image expected")
	}
	if flag.NArg() == 1 {
		*kernel = flag.Arg(0)
	}

	arch := minivmm.NativeArchitecture()

	override := config.Override{
		KernelPath: *kernel,
		Format:     *format,
		ZeroBSS:    *zeroBSS,
		Screen:     *screen,
		Timeout:    *timeout,
	}
	if *loadAddress != "" {
		addr, err := config.ParseQuantity(*loadAddress)
		if err != nil {
			return fmt.Errorf("-load-address: %w", err)
		}
		override.LoadAddress = addr
	}
	if *mem != "" {
		size, err := config.ParseQuantity(*mem)
		if err != nil {
			return fmt.Errorf("-mem: %w", err)
		}
		override.Memory = size
	}

	machine, err := loadMachine(*configPath)
	if err != nil {
		return err
	}
	machine, err = machine.Apply(override, arch)
	if err != nil {
		return err
	}
	if machine.Kernel.Path == "" {
		flag.Usage()
		return fmt.Errorf("kernel image required")
	}

	image, err := readKernel(machine.Kernel.Path)
	if err != nil {
		return err
	}

	if *inspect {
		return inspectImage(os.Stdout, image)
	}

	if err := minivmm.EnsureExecutableIsSigned(); err != nil {
		return fmt.Errorf("sign executable: %w", err)
	}

	return boot(machine, image, *trace)
}

// loadMachine reads the machine file at path. Without a path the default
// file in the working directory is used when it exists.
func loadMachine(path string) (config.Machine, error) {
	arch := minivmm.NativeArchitecture()

	if path == "" {
		if _, err := os.Stat(config.DefaultFilename); err != nil {
			return config.Default(arch), nil
		}
		path = config.DefaultFilename
	}

	slog.Debug("loading machine file", "path", path)
	return config.Load(path, arch)
}

func readKernel(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open kernel: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat kernel: %w", err)
	}

	var bar *progressbar.ProgressBar
	if console.IsTerminal(os.Stderr) {
		bar = progressbar.NewOptions64(info.Size(),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription("reading kernel"),
			progressbar.OptionShowBytes(true),
			progressbar.OptionClearOnFinish(),
		)
	} else {
		bar = progressbar.DefaultBytesSilent(info.Size(), "reading kernel")
	}
	defer bar.Close()

	data, err := io.ReadAll(io.TeeReader(f, bar))
	if err != nil {
		return nil, fmt.Errorf("read kernel: %w", err)
	}
	return data, nil
}

func inspectImage(w io.Writer, data []byte) error {
	img, err := loader.Parse(data)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "machine:  %s (%s)\n", img.Machine, img.Arch)
	fmt.Fprintf(w, "entry:    0x%x (physical 0x%x)\n", img.Entry, loader.PhysicalAddress(img.Entry))

	fmt.Fprintf(w, "\nsegments:\n")
	for _, seg := range img.Loadable() {
		fmt.Fprintf(w, "  %s -> 0x%x\n", seg, seg.Target())
	}

	fmt.Fprintf(w, "\nsections:\n")
	for _, sec := range img.Sections {
		fmt.Fprintf(w, "  %-20s %-14s addr=0x%x size=0x%x\n", sec.Name, sec.Kind, sec.Addr, sec.Size)
	}

	// Images without section headers have nothing to disassemble.
	if sec, text, err := img.Text(); err == nil {
		fmt.Fprintf(w, "\n%s:\n", sec.Name)
		for _, line := range disasm.Lines(img.Arch, text, sec.Addr, 32) {
			fmt.Fprintf(w, "  %s\n", line)
		}
	}
	return nil
}

func boot(machine config.Machine, image []byte, trace bool) error {
	var out io.WriteCloser
	var scr *console.Screen
	if machine.Console.Screen {
		scr = console.NewScreen(machine.Console.Columns, machine.Console.Rows)
		out = scr
	} else {
		out = console.NewPlain(os.Stdout)
	}
	defer out.Close()

	serial := uart.New(uart.COM1, out)

	opts := []minivmm.Option{
		minivmm.WithZeroBSS(machine.Kernel.ZeroBSS),
		minivmm.WithDevice(serial),
		minivmm.WithDisassembly(trace),
	}

	var vm *minivmm.VirtualMachine
	var err error
	if machine.Kernel.Format == config.FormatELF {
		img, perr := loader.Parse(image)
		if perr != nil {
			return perr
		}
		vm, err = minivmm.CreateVMForArchitecture(img.Arch, machine.Spans(), opts...)
	} else {
		vm, err = minivmm.CreateVM(machine.Spans(), opts...)
	}
	if err != nil {
		return fmt.Errorf("create VM: %w", err)
	}
	defer vm.Close()

	switch machine.Kernel.Format {
	case config.FormatELF:
		err = vm.LoadELF(image)
	case config.FormatBin:
		err = vm.LoadBin(image, uint64(machine.Kernel.LoadAddress))
	}
	if err != nil {
		return fmt.Errorf("load kernel: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if machine.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, machine.Timeout)
		defer cancel()
	}

	slog.Info("Starting VM", "name", machine.Name, "kernel", machine.Kernel.Path, "arch", vm.Architecture())

	exit, err := vm.Run(ctx)

	if scr != nil {
		fmt.Fprintln(os.Stdout, scr.Text())
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("guest still running after %s", machine.Timeout)
	case errors.Is(err, context.Canceled):
		slog.Info("Interrupted")
		return nil
	case err != nil:
		return fmt.Errorf("run VM: %w", err)
	}

	ip, _ := vm.InstructionPointer()
	slog.Info("Guest stopped", "exit", exit.String(), "ip", fmt.Sprintf("0x%x", ip), "uartBytes", serial.TxBytes())

	if exit.Kind == minivmm.ExitNotSupported {
		return fmt.Errorf("unhandled exit %s at 0x%x", exit, ip)
	}
	return nil
}
