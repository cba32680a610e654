package flows

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

var csvHeader = []string{"day", "chain", "bridge", "token", "in_usd", "out_usd", "net_usd", "tx_count", "unique_wallets"}

// LoadCSVFile reads a flows_daily export from path.
func LoadCSVFile(path string) ([]Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open flows csv: %w", err)
	}
	defer f.Close()
	return ReadCSV(f)
}

// ReadCSV parses rows with the header day,chain,bridge,token,in_usd,out_usd,net_usd,tx_count,unique_wallets.
// An empty net_usd column is derived as in_usd - out_usd.
func ReadCSV(r io.Reader) ([]Row, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	index := make(map[string]int, len(header))
	for i, h := range header {
		index[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, col := range csvHeader {
		if _, ok := index[col]; !ok {
			return nil, fmt.Errorf("csv missing column %q", col)
		}
	}

	var rows []Row
	line := 1
	for {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("read csv line %d: %w", line, err)
		}
		row, err := parseRecord(rec, index)
		if err != nil {
			return nil, fmt.Errorf("csv line %d: %w", line, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func parseRecord(rec []string, index map[string]int) (Row, error) {
	field := func(name string) string { return strings.TrimSpace(rec[index[name]]) }

	day, err := ParseDay(field("day"))
	if err != nil {
		return Row{}, err
	}
	in, err := decimal.NewFromString(field("in_usd"))
	if err != nil {
		return Row{}, fmt.Errorf("parse in_usd: %w", err)
	}
	out, err := decimal.NewFromString(field("out_usd"))
	if err != nil {
		return Row{}, fmt.Errorf("parse out_usd: %w", err)
	}
	net := in.Sub(out)
	if v := field("net_usd"); v != "" {
		if net, err = decimal.NewFromString(v); err != nil {
			return Row{}, fmt.Errorf("parse net_usd: %w", err)
		}
	}
	txs, err := parseCount(field("tx_count"))
	if err != nil {
		return Row{}, fmt.Errorf("parse tx_count: %w", err)
	}
	wallets, err := parseCount(field("unique_wallets"))
	if err != nil {
		return Row{}, fmt.Errorf("parse unique_wallets: %w", err)
	}

	return Row{
		Day:           day,
		Chain:         strings.ToLower(field("chain")),
		Bridge:        field("bridge"),
		Token:         field("token"),
		InUSD:         in,
		OutUSD:        out,
		NetUSD:        net,
		TxCount:       txs,
		UniqueWallets: wallets,
	}, nil
}

func parseCount(v string) (int64, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("negative count %d", n)
	}
	return n, nil
}
