package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/soypat/obispi/wire"
	"github.com/soypat/saleae"
	"github.com/soypat/saleae/analyzers"
)

// Optional flags.
var (
	timingsOutput string
)

type BusCtl struct {
	// Print payloads as words, wire words are most significant byte first.
	Words        bool
	OmitReadData bool
	OmitRead     bool
	OmitWrite    bool
	OmitRegs     bool
	Logger       *slog.Logger
}

func main() {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(handler)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "obianalyze - Process Binary Saleae digital data files corresponding to SPI to OBI bridge transactions.\n\tUsage:\n")
		flag.PrintDefaults()
	}
	sdo := flag.String("f-sdo", "digital_1.bin", "Input filename: SPI SDO (host to slave) data.")
	sdi := flag.String("f-sdi", "digital_3.bin", "Input filename: SPI SDI (slave to host) data.")
	enable := flag.String("f-cs", "digital_0.bin", "Input filename: SPI CS/SS data.")
	clk := flag.String("f-clk", "digital_2.bin", "Input filename: SPI clock data.")
	output := flag.String("o-tx", "transactions.txt", "Output filename of decoded transactions.")

	flag.StringVar(&timingsOutput, "o-time", "", "Output timing data to a file corresponding to output transaction history line-by-line.")
	words := flag.Bool("words", false, "Print payload as 32 bit words instead of bytes.")
	omitReadData := flag.Bool("omit-read-data", false, "Choose to omit read data in output.")
	omitReadAll := flag.Bool("omit-read", false, "Choose to omit read transactions in output.")
	omitWriteAll := flag.Bool("omit-write", false, "Choose to omit write transactions in output.")
	omitRegs := flag.Bool("omit-regs", false, "Choose to omit register only transactions in output.")
	flag.Parse()
	BUS := BusCtl{
		Words:        *words,
		OmitReadData: *omitReadData,
		OmitRead:     *omitReadAll,
		OmitWrite:    *omitWriteAll,
		OmitRegs:     *omitRegs,
		Logger:       logger,
	}
	if BUS.OmitRead && BUS.OmitWrite {
		log.Fatal("cannot omit both read and write transactions")
	}
	start := time.Now()
	if err := BUS.run(*sdo, *sdi, *enable, *clk, *output); err != nil {
		log.Fatal(err.Error())
	}
	logger.Info("finished", slog.Duration("elapsed", time.Since(start)))
}

// window is the data exchanged in a single chip select window.
type window struct {
	SDO, SDI []byte
	Start    float64
}

type obitx struct {
	Num   int
	Tx    wire.Transaction
	Err   error
	Raw   []byte
	Start float64
}

func (bus *BusCtl) run(sdo, sdi, enable, clk, output string) error {
	windows, err := bus.processSpiFiles(sdo, sdi, clk, enable)
	if err != nil {
		return err
	}
	fp, err := os.Create(output)
	if err != nil {
		return err
	}
	defer fp.Close()

	var timings *os.File
	if timingsOutput != "" {
		bus.Logger.Info("creating timings file", slog.String("file", timingsOutput))
		timings, err = os.Create(timingsOutput)
		if err != nil {
			return err
		}
		defer timings.Close()
	}
	return bus.write(fp, timings, bus.process(windows))
}

func (bus *BusCtl) write(w, timings io.Writer, txs []obitx) (err error) {
	const fmtMsg = "tx√ó%2d %s"
	for _, action := range txs {
		if action.Err != nil {
			_, err = fmt.Fprintf(w, "tx√ó%2d invalid: %s sdo=%x\n", action.Num, action.Err, action.Raw)
			if err != nil {
				return err
			}
			continue
		}
		tx := action.Tx
		switch {
		case tx.Op == 0 && bus.OmitRegs,
			tx.Op == wire.OpRead && bus.OmitRead,
			tx.Op == wire.OpWrite && bus.OmitWrite:
			continue
		case tx.Op == wire.OpRead && bus.OmitReadData:
			tx.Data = nil
		}
		var words []uint32
		if bus.Words {
			words = tx.Words()
			tx.Data = nil
		}
		_, err = fmt.Fprintf(w, fmtMsg, action.Num, tx.String())
		if err != nil {
			return err
		}
		if words != nil {
			fmt.Fprintf(w, " words=%#08x", words)
		}
		fmt.Fprintln(w)
		if timings != nil {
			fmt.Fprintf(timings, "t=%f\tdata=%#x\n", action.Start, action.Tx.Data)
		}
	}
	return nil
}

func (bus *BusCtl) processSpiFiles(fsdo, fsdi, fclk, fenable string) ([]window, error) {
	sdo, err := opendigital(fsdo)
	if err != nil {
		return nil, err
	}
	sdi, err := opendigital(fsdi)
	if err != nil {
		return nil, err
	}
	clk, err := opendigital(fclk)
	if err != nil {
		return nil, err
	}
	enable, err := opendigital(fenable)
	if err != nil {
		return nil, err
	}
	spi := analyzers.SPI{}
	txs, _ := spi.Scan(clk, enable, sdo, sdi)
	windows := make([]window, len(txs))
	for i, tx := range txs {
		windows[i] = window{SDO: tx.SDO, SDI: tx.SDI, Start: tx.StartTime()}
	}
	return windows, nil
}

func opendigital(filename string) (*saleae.DigitalFile, error) {
	fp, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer fp.Close()
	df, err := saleae.ReadDigitalFile(fp)
	if err != nil {
		return nil, err
	}
	return df, nil
}

// process decodes windows and merges consecutive identical transactions.
func (bus *BusCtl) process(windows []window) (txs []obitx) {
	var accumulativeResults int = 1
	for i := 0; i < len(windows); i++ {
		win := windows[i]
		for j := i + 1; j < len(windows); j++ {
			next := windows[j]
			if !bytes.Equal(win.SDO, next.SDO) || !bytes.Equal(win.SDI, next.SDI) {
				break
			}
			accumulativeResults++
			i = j
		}
		tx, err := wire.Decode(win.SDO, win.SDI)
		if err != nil && bus.Logger != nil {
			bus.Logger.Warn("decode", slog.Float64("t", win.Start), slog.String("err", err.Error()))
		}
		txs = append(txs, obitx{
			Num:   accumulativeResults,
			Tx:    tx,
			Err:   err,
			Raw:   win.SDO,
			Start: win.Start,
		})
		accumulativeResults = 1
	}
	return txs
}
