package main

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sort"

	"PcapSentry/internal/engine/protocol"
	"PcapSentry/internal/model"
	"PcapSentry/pkg/pcap"

	"github.com/spf13/pflag"
)

func main() {
	show := pflag.IntP("num", "n", 5, "Number of decoded packets to print")
	pflag.Parse()
	if pflag.NArg() < 1 {
		fmt.Println("Usage: go run ./scripts/pcapana [-n N] <capture>")
		os.Exit(1)
	}

	reader, err := pcap.NewReader(pflag.Arg(0))
	if err != nil {
		log.Fatal(err)
	}
	defer reader.Close()
	fmt.Printf("format=%s linktype=%s\n", reader.Format(), reader.LinkType())

	var (
		decoded int
		errs    = make(map[string]int)
		protos  = make(map[string]int)
	)
	for {
		frame, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			errs["truncated_record"]++
			continue
		}
		info, err := protocol.ParsePacket(frame)
		if err != nil {
			var de *protocol.DecodeError
			if errors.As(err, &de) {
				errs[de.Reason]++
			} else {
				errs[protocol.ReasonMalformed]++
			}
			continue
		}
		decoded++
		protos[model.ProtocolName(info.FiveTuple.Protocol)]++
		if decoded <= *show {
			ft := info.FiveTuple
			fmt.Printf("[%s] %s:%d -> %s:%d proto=%s len=%d payload=%d flags=%+v\n",
				info.Timestamp.Format("15:04:05.000000"),
				ft.SrcIP, ft.SrcPort, ft.DstIP, ft.DstPort,
				model.ProtocolName(ft.Protocol), info.Length, info.Payload, info.Flags)
		}
	}

	fmt.Printf("frames=%d decoded=%d\n", reader.Frames(), decoded)
	printCounts("protocols", protos)
	printCounts("decode errors", errs)
}

func printCounts(title string, m map[string]int) {
	if len(m) == 0 {
		return
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Println(title + ":")
	for _, k := range keys {
		fmt.Printf("  %-20s %d\n", k, m[k])
	}
}
