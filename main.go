package main

import (
	"fmt"
	"log"

	"gonum.org/v1/gonum/mat"

	"github.com/samuelfneumann/gofactory/sim"
	"github.com/samuelfneumann/gofactory/task"
)

func main() {
	config := task.TaskConfig{
		NumEnvs:          16,
		MaxEpisodeLength: 32,
		Seed:             192382,
	}
	if err := config.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	backend, err := sim.NewKinematic(config.NumEnvs, config.NumDofs(),
		config.NumGripperDofs, 0.2)
	if err != nil {
		log.Fatal(err)
	}

	t, err := task.New(config, backend)
	if err != nil {
		log.Fatal(err)
	}

	// Settle every environment into a randomized start pose before
	// the first action
	allEnvs := make([]int, config.NumEnvs)
	for i := range allEnvs {
		allEnvs[i] = i
	}
	if err := t.ResetEnvs(allEnvs); err != nil {
		log.Fatal(err)
	}

	// Zero-action rollout over two episodes, resetting flagged
	// environments before their next action
	actions := mat.NewDense(config.NumEnvs, t.NumActions(), nil)
	for i := 0; i < 2*config.MaxEpisodeLength; i++ {
		if flagged := t.FlaggedEnvs(); len(flagged) > 0 {
			if err := t.ResetEnvs(flagged); err != nil {
				log.Fatal(err)
			}
		}

		step, err := t.Step(actions)
		if err != nil {
			log.Fatal(err)
		}

		fmt.Println(step)
		if step.Last() {
			fmt.Printf("episode done, success rate: %.2f\n",
				step.SuccessRate)
		}
	}
}
