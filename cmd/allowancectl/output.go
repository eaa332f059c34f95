package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/congo-pay/allowance/internal/client"
	"github.com/congo-pay/allowance/internal/subwallet"
	"github.com/congo-pay/allowance/internal/txlog"
)

func requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error marshaling JSON: %v\n", err)
		return
	}
	fmt.Println(string(data))
}

func printSubWallet(v subwallet.View) {
	fmt.Printf("Wallet:      %s\n", v.Wallet)
	fmt.Printf("Sub-wallet:  %d\n", v.ID)
	fmt.Printf("Dependent:   %s\n", v.Dependent)
	fmt.Printf("Limit:       %s\n", v.SpendingLimit)
	fmt.Printf("Spent:       %s\n", v.SpentThisPeriod)
	fmt.Printf("Remaining:   %s\n", v.Remaining)
	fmt.Printf("Mode:        %s\n", v.Mode)
	if v.PeriodEnd != 0 {
		fmt.Printf("Period ends: %s\n", time.Unix(v.PeriodEnd, 0).Format("2006-01-02 15:04:05"))
	}
	fmt.Printf("Active:      %t\n", v.Active)
}

func printLinkStatus(st *client.LinkStatus) {
	if jsonOutput {
		printJSON(st)
		return
	}
	fmt.Printf("Dependent:   %s\n", st.Dependent)
	fmt.Printf("State:       %s\n", st.State)
	if st.Ambiguous {
		fmt.Println("Warning:     several guardian wallets reference this dependent")
	}
	if st.SubWallet != nil {
		printSubWallet(*st.SubWallet)
	}
}

func printHistory(recs []txlog.Record, decimals int32) {
	if jsonOutput {
		printJSON(recs)
		return
	}
	if len(recs) == 0 {
		fmt.Println("No transactions.")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tDIRECTION\tAMOUNT\tTO\tHASH\tSOURCE")
	for _, r := range recs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			time.Unix(r.Timestamp, 0).Format("2006-01-02 15:04"),
			r.Direction,
			r.Value.Shift(-decimals).String(),
			r.To,
			r.Hash,
			r.Provenance)
	}
	w.Flush()
}
