package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"

	"github.com/kazz187/packetguild/internal/artifact"
	"github.com/kazz187/packetguild/internal/packet"
)

var (
	cli = kingpin.New("packetguild", "Coordinate worker units through task packets, gates and checkpoints")

	serveCmd           = cli.Command("serve", "Run the supervisor for packets in WORK and serve the status API")
	serveWorkspace     = serveCmd.Flag("workspace", "Directory worker commands run in").Default(".").ExistingDir()
	servePackets       = serveCmd.Flag("packet", "Packet to supervise (repeatable, default: every packet in WORK)").Strings()
	serveExternalTimer = serveCmd.Flag("external-timer", "React to checkpoints written by a separate timer process").Bool()

	timerCmd = cli.Command("timer", "Run the coordination timer until it reaches its tick limit")

	checkpointCmd = cli.Command("checkpoint", "Show the checkpoint slot")

	analyzeCmd  = cli.Command("analyze", "Classify a plan file without touching any packet")
	analyzeFile = analyzeCmd.Arg("file", "Plan YAML").Required().ExistingFile()

	packetCmd = cli.Command("packet", "Task packet commands")

	packetCreateCmd      = packetCmd.Command("create", "Create a packet in CONTRACT")
	packetCreateTitle    = packetCreateCmd.Arg("title", "Contract title").Required().String()
	packetCreateReqs     = packetCreateCmd.Flag("requirement", "Requirement (repeatable)").Short('r').Strings()
	packetCreateCriteria = packetCreateCmd.Flag("criterion", "Acceptance criterion (repeatable)").Short('c').Strings()

	packetListCmd   = packetCmd.Command("list", "List packets")
	packetListPhase = packetListCmd.Flag("phase", "Only packets in this phase").Enum(phaseNames()...)

	packetShowCmd = packetCmd.Command("show", "Show a packet")
	packetShowID  = packetShowCmd.Arg("id", "Packet ID").Required().String()

	packetLogCmd   = packetCmd.Command("log", "Show a packet's work log")
	packetLogID    = packetLogCmd.Arg("id", "Packet ID").Required().String()
	packetLogSince = packetLogCmd.Flag("since", "Only entries after this sequence number").Default("0").Int()

	packetAdvanceCmd   = packetCmd.Command("advance", "Move a packet to its next phase")
	packetAdvanceID    = packetAdvanceCmd.Arg("id", "Packet ID").Required().String()
	packetAdvancePhase = packetAdvanceCmd.Arg("phase", "Target phase").Required().Enum(phaseNames()...)

	packetPlanCmd  = packetCmd.Command("plan", "Set a packet's plan and record the strategy decision")
	packetPlanID   = packetPlanCmd.Arg("id", "Packet ID").Required().String()
	packetPlanFile = packetPlanCmd.Arg("file", "Plan YAML").Required().ExistingFile()

	packetGatesCmd = packetCmd.Command("gates", "Show every gate for a packet")
	packetGatesID  = packetGatesCmd.Arg("id", "Packet ID").Required().String()

	packetVerdictCmd      = packetCmd.Command("verdict", "Record a review verdict")
	packetVerdictID       = packetVerdictCmd.Arg("id", "Packet ID").Required().String()
	packetVerdictKind     = packetVerdictCmd.Arg("kind", "Verdict kind").Required().Enum(string(packet.VerdictTestSufficiency), string(packet.VerdictCodeQuality))
	packetVerdictValue    = packetVerdictCmd.Arg("verdict", "Verdict").Required().Enum(string(packet.VerdictApproved), string(packet.VerdictChangesRequested), string(packet.VerdictRejected))
	packetVerdictReviewer = packetVerdictCmd.Flag("reviewer", "Reviewer name").Required().String()
	packetVerdictNotes    = packetVerdictCmd.Flag("notes", "Review notes").String()

	packetFinalizeCmd = packetCmd.Command("finalize", "Sign off a reviewed packet")
	packetFinalizeID  = packetFinalizeCmd.Arg("id", "Packet ID").Required().String()
	packetFinalizeBy  = packetFinalizeCmd.Flag("by", "Who signs off").Required().String()

	artifactCmd = cli.Command("artifact", "Planning artifact commands")

	artifactPersistCmd      = artifactCmd.Command("persist", "Commit a document at its permanent location")
	artifactPersistPacket   = artifactPersistCmd.Flag("packet", "Packet the document belongs to").Required().String()
	artifactPersistCategory = artifactPersistCmd.Arg("category", "Category").Required().Enum(categoryNames()...)
	artifactPersistFeature  = artifactPersistCmd.Arg("feature", "Feature name").Required().String()
	artifactPersistDocument = artifactPersistCmd.Arg("document", "Document name").Required().String()
	artifactPersistBody     = artifactPersistCmd.Arg("file", "Markdown body").Required().ExistingFile()
	artifactPersistTitle    = artifactPersistCmd.Flag("title", "Document title").String()
	artifactPersistUpstream = artifactPersistCmd.Flag("upstream", "Upstream artifact location (repeatable)").Strings()

	artifactAmendCmd      = artifactCmd.Command("amend", "Publish a new version of a committed document")
	artifactAmendPacket   = artifactAmendCmd.Flag("packet", "Packet the amendment belongs to").Required().String()
	artifactAmendLocation = artifactAmendCmd.Arg("location", "Artifact location").Required().String()
	artifactAmendBody     = artifactAmendCmd.Arg("file", "Markdown body").Required().ExistingFile()

	artifactListCmd      = artifactCmd.Command("list", "List committed documents")
	artifactListCategory = artifactListCmd.Arg("category", "Category").Required().Enum(categoryNames()...)
	artifactListFeature  = artifactListCmd.Arg("feature", "Feature name").String()
)

func phaseNames() []string {
	out := make([]string, 0, len(packet.Phases))
	for _, p := range packet.Phases {
		out = append(out, string(p))
	}
	return out
}

func categoryNames() []string {
	out := make([]string, 0, len(artifact.Categories))
	for _, c := range artifact.Categories {
		out = append(out, string(c))
	}
	return out
}

func main() {
	command := kingpin.MustParse(cli.Parse(os.Args[1:]))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		slog.Error("failed to start", "error", err)
		os.Exit(1)
	}
	defer a.close()

	if err := a.run(ctx, command); err != nil {
		slog.Error("command failed", "command", command, "error", err)
		a.close()
		os.Exit(1)
	}
}
