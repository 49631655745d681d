// Package main はCLIツールのエントリポイント。
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const version = "1.0.0"

var (
	apiURL  string
	output  string
	token   string
	timeout time.Duration
)

// HTTPクライアント
var httpClient *http.Client

func main() {
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "loanctl",
		Short: "Encrypted vehicle loan ledger CLI",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if apiURL == "" {
				apiURL = os.Getenv("LOANCTL_API_URL")
			}
			if token == "" {
				token = os.Getenv("LOANCTL_TOKEN")
			}
			httpClient = &http.Client{Timeout: timeout}
		},
		SilenceUsage: true,
	}

	// グローバルフラグ
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "", "API endpoint URL (or set LOANCTL_API_URL)")
	rootCmd.PersistentFlags().StringVar(&output, "output", "text", "Output format: text, json")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "Bearer token (or set LOANCTL_TOKEN)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")

	// サブコマンド登録
	rootCmd.AddCommand(vehicleCmd())
	rootCmd.AddCommand(applicationCmd())
	rootCmd.AddCommand(loanCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(reputationCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd())
	return rootCmd
}

// versionCmd はバージョン情報を表示する。
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("loanctl version %s\n", version)
		},
	}
}

// vehicleCmd は車両の操作コマンド。
func vehicleCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "vehicle", Short: "Manage vehicles"}

	var in struct {
		Make       string `json:"make"`
		Model      string `json:"model"`
		Year       uint32 `json:"year"`
		Price      uint32 `json:"price"`
		LoanAmount uint32 `json:"loan_amount"`
		APRBps     uint32 `json:"apr_bps"`
		TermMonths uint32 `json:"term_months"`
	}
	add := &cobra.Command{
		Use:   "add",
		Short: "Register a vehicle with encrypted financial terms",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := call(http.MethodPost, "/v1/vehicles", in, http.StatusCreated)
			if err != nil {
				return err
			}
			return printCreated("vehicle", body)
		},
	}
	add.Flags().StringVar(&in.Make, "make", "", "Vehicle make (required)")
	add.Flags().StringVar(&in.Model, "model", "", "Vehicle model (required)")
	add.Flags().Uint32Var(&in.Year, "year", 0, "Model year")
	add.Flags().Uint32Var(&in.Price, "price", 0, "Vehicle price")
	add.Flags().Uint32Var(&in.LoanAmount, "loan-amount", 0, "Loan amount offered")
	add.Flags().Uint32Var(&in.APRBps, "apr-bps", 0, "Annual rate in basis points")
	add.Flags().Uint32Var(&in.TermMonths, "term", 0, "Term in months (required)")
	add.MarkFlagRequired("make")
	add.MarkFlagRequired("model")
	add.MarkFlagRequired("term")

	var tokenValue uint32
	tokenize := &cobra.Command{
		Use:   "tokenize <vehicle-id>",
		Short: "Tokenize a vehicle so it can receive applications",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if _, err := call(http.MethodPost, fmt.Sprintf("/v1/vehicles/%d/tokenize", id),
				map[string]uint32{"token_value": tokenValue}, http.StatusNoContent); err != nil {
				return err
			}
			return printDone(fmt.Sprintf("Tokenized vehicle %d", id))
		},
	}
	tokenize.Flags().Uint32Var(&tokenValue, "value", 0, "Token value (required)")
	tokenize.MarkFlagRequired("value")

	cmd.AddCommand(add, tokenize,
		getCmd("get <vehicle-id>", "Show a vehicle", "/v1/vehicles/%d"),
		getCmd("reveal <vehicle-id>", "Decrypt vehicle figures (owner only)", "/v1/vehicles/%d/figures"),
	)
	return cmd
}

// applicationCmd はローン申請の操作コマンド。
func applicationCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "application", Short: "Manage loan applications"}

	var (
		vehicleID uint64
		in        struct {
			Amount        uint32 `json:"amount"`
			MonthlyIncome uint32 `json:"monthly_income"`
			CreditScore   uint32 `json:"credit_score"`
		}
	)
	submit := &cobra.Command{
		Use:   "submit",
		Short: "Submit a loan application for a vehicle",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := call(http.MethodPost, fmt.Sprintf("/v1/vehicles/%d/applications", vehicleID), in, http.StatusCreated)
			if err != nil {
				return err
			}
			return printCreated("application", body)
		},
	}
	submit.Flags().Uint64Var(&vehicleID, "vehicle", 0, "Vehicle ID (required)")
	submit.Flags().Uint32Var(&in.Amount, "amount", 0, "Requested amount (required)")
	submit.Flags().Uint32Var(&in.MonthlyIncome, "income", 0, "Monthly income")
	submit.Flags().Uint32Var(&in.CreditScore, "credit-score", 0, "Credit score")
	submit.MarkFlagRequired("vehicle")
	submit.MarkFlagRequired("amount")

	var reject bool
	decide := &cobra.Command{
		Use:   "decide <application-id>",
		Short: "Approve (default) or reject an application",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if _, err := call(http.MethodPost, fmt.Sprintf("/v1/applications/%d/decision", id),
				map[string]bool{"approved": !reject}, http.StatusNoContent); err != nil {
				return err
			}
			verb := "Approved"
			if reject {
				verb = "Rejected"
			}
			return printDone(fmt.Sprintf("%s application %d", verb, id))
		},
	}
	decide.Flags().BoolVar(&reject, "reject", false, "Reject instead of approve")

	withdraw := &cobra.Command{
		Use:   "withdraw <application-id>",
		Short: "Withdraw a pending application",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if _, err := call(http.MethodPost, fmt.Sprintf("/v1/applications/%d/withdraw", id), nil, http.StatusNoContent); err != nil {
				return err
			}
			return printDone(fmt.Sprintf("Withdrew application %d", id))
		},
	}

	cmd.AddCommand(submit, decide, withdraw,
		getCmd("get <application-id>", "Show an application", "/v1/applications/%d"),
	)
	return cmd
}

// loanCmd はローンの操作コマンド。
func loanCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "loan", Short: "Manage loans and payments"}

	var lender string
	create := &cobra.Command{
		Use:   "create <application-id>",
		Short: "Fund an approved application",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			body, err := call(http.MethodPost, fmt.Sprintf("/v1/applications/%d/loan", id),
				map[string]string{"lender": lender}, http.StatusCreated)
			if err != nil {
				return err
			}
			return printCreated("loan", body)
		},
	}
	create.Flags().StringVar(&lender, "lender", "", "Lender principal (defaults to the caller)")

	var (
		amount uint32
		wait   bool
	)
	pay := &cobra.Command{
		Use:   "pay <loan-id>",
		Short: "Make a payment on a loan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			path := fmt.Sprintf("/v1/loans/%d/payments", id)
			if wait {
				path += "?wait=true"
			}
			body, err := call(http.MethodPost, path, map[string]uint32{"amount": amount}, http.StatusOK, http.StatusAccepted)
			if err != nil {
				return err
			}
			return printResult(body)
		},
	}
	pay.Flags().Uint32Var(&amount, "amount", 0, "Payment amount (required)")
	pay.Flags().BoolVar(&wait, "wait", false, "Wait for ledger confirmation")
	pay.MarkFlagRequired("amount")

	reconcile := &cobra.Command{
		Use:   "reconcile <loan-id>",
		Short: "Decrypt and reconcile the remaining balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			body, err := call(http.MethodPost, fmt.Sprintf("/v1/loans/%d/reconcile", id), nil, http.StatusOK)
			if err != nil {
				return err
			}
			return printResult(body)
		},
	}

	cmd.AddCommand(create, pay, reconcile,
		getCmd("get <loan-id>", "Show a loan", "/v1/loans/%d"),
		getCmd("reveal <loan-id>", "Decrypt loan figures (borrower or lender)", "/v1/loans/%d/figures"),
		getCmd("payments <loan-id>", "List payments of a loan", "/v1/loans/%d/payments"),
	)
	return cmd
}

// auditCmd は監査ログの操作コマンド。
func auditCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "audit", Short: "Inspect the audit log"}

	var (
		entityType string
		entityID   uint64
		after      uint64
		limit      int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/v1/audit?limit=%d&after=%d", limit, after)
			if entityType != "" {
				path += "&entity_type=" + entityType
			}
			if entityID > 0 {
				path += "&entity_id=" + strconv.FormatUint(entityID, 10)
			}
			body, err := call(http.MethodGet, path, nil, http.StatusOK)
			if err != nil {
				return err
			}
			if output == "json" {
				fmt.Println(string(body))
				return nil
			}

			var result struct {
				Events []struct {
					Sequence   uint64 `json:"sequence"`
					EventType  string `json:"event_type"`
					EntityType string `json:"entity_type"`
					EntityID   uint64 `json:"entity_id"`
					Actor      string `json:"actor"`
					Timestamp  string `json:"timestamp"`
				} `json:"events"`
			}
			if err := json.Unmarshal(body, &result); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "SEQ\tEVENT\tENTITY\tACTOR\tTIMESTAMP")
			for _, e := range result.Events {
				fmt.Fprintf(w, "%d\t%s\t%s/%d\t%s\t%s\n", e.Sequence, e.EventType, e.EntityType, e.EntityID, e.Actor, e.Timestamp)
			}
			return w.Flush()
		},
	}
	list.Flags().StringVar(&entityType, "entity-type", "", "Filter by entity type")
	list.Flags().Uint64Var(&entityID, "entity-id", 0, "Filter by entity ID")
	list.Flags().Uint64Var(&after, "after", 0, "Only events after this sequence")
	list.Flags().IntVar(&limit, "limit", 100, "Maximum number of events")

	verify := &cobra.Command{
		Use:   "verify",
		Short: "Verify the audit hash chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := call(http.MethodGet, "/v1/audit/verify", nil, http.StatusOK)
			if err != nil {
				return err
			}
			return printResult(body)
		},
	}

	cmd.AddCommand(list, verify)
	return cmd
}

// statsCmd はエンティティ件数を表示する。
func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show entity counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := call(http.MethodGet, "/v1/stats", nil, http.StatusOK)
			if err != nil {
				return err
			}
			return printResult(body)
		},
	}
}

// reputationCmd はプリンシパルの評価を表示する。
func reputationCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reputation <principal>",
		Short: "Show borrower and lender reputation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := call(http.MethodGet, "/v1/reputation/"+args[0], nil, http.StatusOK)
			if err != nil {
				return err
			}
			return printResult(body)
		},
	}
}

// getCmd はIDを1つ取るGETコマンドを生成する。
func getCmd(use, short, pathFormat string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			body, err := call(http.MethodGet, fmt.Sprintf(pathFormat, id), nil, http.StatusOK)
			if err != nil {
				return err
			}
			return printResult(body)
		},
	}
}

// call はAPIを呼び出し、期待したステータスならレスポンスボディを返す。
func call(method, path string, payload any, wantStatus ...int) ([]byte, error) {
	if apiURL == "" {
		return nil, fmt.Errorf("--api-url is required (or set LOANCTL_API_URL)")
	}

	var reqBody io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, apiURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	for _, s := range wantStatus {
		if resp.StatusCode == s {
			return body, nil
		}
	}
	return nil, handleErrorResponse(resp.StatusCode, body)
}

func parseID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func printCreated(kind string, body []byte) error {
	if output == "json" {
		fmt.Println(string(body))
		return nil
	}
	var result struct {
		ID uint64 `json:"id"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	fmt.Printf("Created %s %d\n", kind, result.ID)
	return nil
}

func printDone(msg string) error {
	if output == "json" {
		fmt.Println("{}")
		return nil
	}
	fmt.Println(msg)
	return nil
}

// printResult はJSONオブジェクトをキー順に表示する。
func printResult(body []byte) error {
	if output == "json" {
		fmt.Println(string(body))
		return nil
	}
	var result map[string]any
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	keys := make([]string, 0, len(result))
	for k := range result {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	for _, k := range keys {
		v := result[k]
		switch v.(type) {
		case map[string]any, []any:
			b, _ := json.Marshal(v)
			fmt.Fprintf(w, "%s\t%s\n", k, b)
		case nil:
			fmt.Fprintf(w, "%s\t-\n", k)
		default:
			fmt.Fprintf(w, "%s\t%v\n", k, v)
		}
	}
	return w.Flush()
}

func handleErrorResponse(statusCode int, body []byte) error {
	var errResp struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&errResp); err == nil && errResp.Message != "" {
		return fmt.Errorf("Error: %s", errResp.Message)
	}
	return fmt.Errorf("Error: server returned status %d", statusCode)
}
