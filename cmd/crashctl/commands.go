package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"crashpool/internal/fairness"
	"crashpool/internal/fixedpoint"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// CommitCmd generates (or takes) a seed and prints its commitment.
func CommitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "commit",
		Short: "Create a seed commitment for a round",
		RunE:  commit,
	}
	cmd.Flags().Uint64P("round", "r", 0, "round id")
	cmd.Flags().StringP("seed", "s", "", "hex seed, generated when empty")
	cmd.MarkFlagRequired("round")
	return cmd
}

func commit(cmd *cobra.Command, args []string) error {
	roundID, _ := cmd.Flags().GetUint64("round")
	seedHex, _ := cmd.Flags().GetString("seed")

	var (
		seed fairness.Seed
		err  error
	)
	if seedHex == "" {
		seed, err = fairness.GenerateSeed()
	} else {
		seed, err = fairness.ParseSeed(seedHex)
	}
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), map[string]any{
		"round_id":   roundID,
		"seed":       seed,
		"commitment": fairness.Commit(seed, roundID),
	})
}

// VerifyCmd checks a revealed round, either from flags or from a proof
// document as served by /api/v1/rounds/:id/proof.
func VerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify a revealed round against its commitment",
		RunE:  verify,
	}
	cmd.Flags().StringP("proof", "p", "", "proof JSON file, - for stdin")
	cmd.Flags().Uint64P("round", "r", 0, "round id")
	cmd.Flags().StringP("seed", "s", "", "revealed hex seed")
	cmd.Flags().StringP("commitment", "c", "", "published commitment")
	cmd.Flags().Uint32P("edge", "e", 0, "house edge in basis points")
	cmd.Flags().String("cap", "", "house crash cap, e.g. 1000x")
	cmd.Flags().String("crash", "", "announced crash point, e.g. 2.35x")
	return cmd
}

func readProof(path string, stdin io.Reader) (fairness.Proof, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return fairness.Proof{}, err
	}
	var wrapped struct {
		Proof *fairness.Proof `json:"proof"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.Proof != nil {
		return *wrapped.Proof, nil
	}
	var p fairness.Proof
	err = json.Unmarshal(data, &p)
	return p, err
}

func proofFromFlags(cmd *cobra.Command) (fairness.Proof, error) {
	var p fairness.Proof
	p.RoundID, _ = cmd.Flags().GetUint64("round")
	p.HouseEdgeBps, _ = cmd.Flags().GetUint32("edge")
	commitment, _ := cmd.Flags().GetString("commitment")
	p.Commitment = fairness.Commitment(commitment)

	seedHex, _ := cmd.Flags().GetString("seed")
	if p.RoundID == 0 || seedHex == "" || commitment == "" {
		return p, errors.New("--round, --seed and --commitment are required without --proof")
	}
	seed, err := fairness.ParseSeed(seedHex)
	if err != nil {
		return p, err
	}
	p.Seed = seed

	if capStr, _ := cmd.Flags().GetString("cap"); capStr != "" {
		if p.CapBps, err = fixedpoint.ParseMultiplier(capStr); err != nil {
			return p, err
		}
	}
	p.CrashMultiplier = fairness.CrashMultiplier(p.Seed, p.RoundID, p.HouseEdgeBps, p.CapBps)
	if crashStr, _ := cmd.Flags().GetString("crash"); crashStr != "" {
		if p.CrashMultiplier, err = fixedpoint.ParseMultiplier(crashStr); err != nil {
			return p, err
		}
	}
	return p, nil
}

func verify(cmd *cobra.Command, args []string) error {
	var (
		p   fairness.Proof
		err error
	)
	if path, _ := cmd.Flags().GetString("proof"); path != "" {
		p, err = readProof(path, cmd.InOrStdin())
	} else {
		p, err = proofFromFlags(cmd)
	}
	if err != nil {
		return err
	}

	derived := fairness.CrashMultiplier(p.Seed, p.RoundID, p.HouseEdgeBps, p.CapBps)
	result := map[string]any{
		"round_id": p.RoundID,
		"crash":    derived.String(),
		"verified": true,
	}
	verr := fairness.VerifyRound(p)
	if verr != nil {
		result["verified"] = false
		result["error"] = verr.Error()
	}
	if err := printJSON(cmd.OutOrStdout(), result); err != nil {
		return err
	}
	return verr
}

// SimulateCmd draws random rounds and reports the crash distribution and the
// return of a fixed cashout target.
func SimulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Simulate the crash distribution for a house edge",
		RunE:  simulateRun,
	}
	cmd.Flags().IntP("rounds", "n", 100_000, "rounds to draw")
	cmd.Flags().Uint32P("edge", "e", 100, "house edge in basis points")
	cmd.Flags().String("cap", "", "house crash cap, e.g. 1000x")
	cmd.Flags().StringP("target", "t", "2x", "cashout target for the return estimate")
	return cmd
}

func simulateRun(cmd *cobra.Command, args []string) error {
	rounds, _ := cmd.Flags().GetInt("rounds")
	edge, _ := cmd.Flags().GetUint32("edge")
	targetStr, _ := cmd.Flags().GetString("target")
	capStr, _ := cmd.Flags().GetString("cap")

	if rounds <= 0 {
		return errors.New("--rounds must be positive")
	}
	if edge > fairness.MAX_EDGE_BPS {
		return fmt.Errorf("--edge %d above %d", edge, fairness.MAX_EDGE_BPS)
	}
	target, err := fixedpoint.ParseMultiplier(targetStr)
	if err != nil {
		return err
	}
	var capBps fixedpoint.Multiplier
	if capStr != "" {
		if capBps, err = fixedpoint.ParseMultiplier(capStr); err != nil {
			return err
		}
	}

	stats, err := simulate(rounds, edge, capBps, target, fairness.GenerateSeed)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), stats)
}
